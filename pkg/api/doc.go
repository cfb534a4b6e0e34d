/*
Package api implements the reference volume store: the REST surface that
pdisk's volume store client talks to.

The server keeps volume metadata in a storage.VolumeStore (BoltDB) and volume
content in a volume.Driver. It is used by the client integration tests and
can be run standalone with "pdisk store serve".

# Architecture

	┌──────────────── volumestore.Client ────────────────┐
	│   retrying HTTP (go-retryablehttp), basic auth      │
	└──────────────────────────┬──────────────────────────┘
	                           │ JSON over HTTP
	┌──────────────────────────▼──────────────────────────┐
	│                    api.Server                        │
	│  /disks/...  basicAuth → instrument → handlers       │
	│  /health  /ready  /metrics                           │
	└──────────┬───────────────────────────────┬───────────┘
	           │                               │
	┌──────────▼──────────┐        ┌───────────▼──────────┐
	│ storage.BoltStore   │        │ volume.FileDriver    │
	│ bucket "volumes"    │        │ one file per uuid    │
	└─────────────────────┘        └──────────────────────┘

# Endpoints

	POST   /disks/                 create, or create from url (201 {"uuid"})
	POST   /disks/{uuid}           action=cow|rebase (303, Location: /disks/{new})
	GET    /disks/{uuid}           volume metadata
	PUT    /disks/{uuid}           merge tag, identifier, owner, visibility, type, quarantine
	DELETE /disks/{uuid}/          delete (409 while mounted)
	GET    /disks/?field=value     search; an empty value matches any set field
	PATCH  /disks/{uuid}/count     {"delta": ±1}, applied atomically (409 below zero)
	GET    /disks/{uuid}/turl/     transfer URL for network attach
	GET    /disks/{uuid}/content   raw volume content

Errors are returned as {"message": "..."} with 400 for malformed requests,
404 for unknown volumes, 409 for conflicts (size or checksum mismatch,
negative count, deleting a mounted volume) and 502 when an image URL cannot be
downloaded.

/health and /ready answer from the component registry of package metrics,
without authentication. /ready first probes the metadata store and opens the
content of one volume.

# Create from URL

The source is downloaded into a new volume while SHA-1 and SHA-256 are
computed. The declared byte count and SHA-1 must both match or the content is
discarded and no metadata is written, so a failed download never leaves a
searchable volume behind. Sources may also be pdisk:<host>:<port>:<uuid>
references to volumes held by the same server.
*/
package api
