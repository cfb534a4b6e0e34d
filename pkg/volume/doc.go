// Package volume stores the content of volumes served by the reference
// volume store.
//
// FileDriver keeps one sparse file per volume uuid. COW children and rebased
// origins are full copies: the reference store does not model block sharing.
// Writes and checksums compute SHA-1 and SHA-256 in a single pass.
package volume
