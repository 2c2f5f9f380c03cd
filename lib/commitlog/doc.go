// Package commitlog provides the durable, file-organized commit log that
// replication streams from.
//
// Records are identified by dense VLSNs starting at 1 and stored in
// numbered segment files of fixed capacity, so the file holding any VLSN is
// computable. Two implementations exist: FileLog persists records to disk
// and is the master's and replicas' log, NewMemoryLog keeps everything in a
// slice and backs arbiters and tests.
//
// The Protector guards segment files against reclamation while a feeder
// scan still needs them. Each scan owns one ProtectedFileRange whose start
// only moves forward; DeleteTo never removes a file at or above the lowest
// protected start.
package commitlog
