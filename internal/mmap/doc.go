// Package mmap maps files read-only into memory.
//
// The local blob store serves snapshot archives through a Mapping so
// concurrent readers share the page cache and ReadAt never issues a system
// call. Unix uses mmap(2) and madvise(2); Windows uses
// CreateFileMapping/MapViewOfFile.
package mmap
