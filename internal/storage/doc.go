// Package storage provides the durable stores behind the delivery
// queue, OTP records, and sessions. Four drivers exist: memory, file,
// sqlite and redis. All drivers guarantee atomic read-modify-write per
// mutation and restore the pending queue on process start (the memory
// driver only within a single process lifetime).
package storage
