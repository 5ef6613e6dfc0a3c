// Package sevenzip decodes 7z containers.
//
// [Open] reads the signature header and the (possibly compressed) archive
// header into a [Database] of pack streams, folders and files. Entries are
// exposed through the core.EntryIterator protocol in declaration order.
// Opening an entry decodes only the folder that holds it: the folder's
// coder graph is built over its pack streams, the output is skipped to the
// entry's offset and limited to its size, and the declared CRC is verified
// when the stream reaches EOF.
//
// Structural problems found while parsing fail with core.ErrCorruptContainer
// and leave nothing behind. Problems confined to one entry, such as an
// unimplemented coder or a CRC mismatch, surface only when that entry is
// opened or read.
//
// A parsed [Database] is immutable and may be shared by concurrent readers.
package sevenzip
