/*
Package manifest parses image references and manifest documents.

A reference takes one of three shapes:

	pdisk:<host>:<port>:<uuid>     a persisted volume, attached directly
	<27-symbol identifier>         a published image, looked up in the catalog
	https://example.org/m.xml      a manifest document at a URL

A manifest is an XML document:

	<manifest>
	  <identifier>No5o-5ea0sNMlW_75VgGJCv2AcJ</identifier>
	  <checksum algorithm="SHA-1">da39a3ee5e6b4b0d3255bfef95601890afd80709</checksum>
	  <bytes>1073741824</bytes>
	  <format>qcow2</format>
	  <location>https://images.example.org/ubuntu.qcow2</location>
	  <version>1.0.3</version>
	  <created>2026-01-02T03:04:05Z</created>
	  <valid>2026-07-02T03:04:05Z</valid>
	  <signature>...</signature>
	</manifest>

The SHA-1 checksum, a positive byte count and at least one location are
required, and the identifier must be the encoding of the SHA-1 digest.
Optional SHA-256 and SHA-512 checksums are validated with go-digest.
*/
package manifest
