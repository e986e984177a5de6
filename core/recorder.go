package core

import "time"

// Recorder receives pool events for metrics.
type Recorder interface {
	TransactionAdmitted()
	TransactionRejected(code string)
	TransactionsEvicted(n int)
	TransactionsExpired(n int)
	TransactionsRemoved(reason string, n int)
	PoolSize(n int)
	VerificationDuration(d time.Duration)
	WorkersInFlight(n int)
}

type nopRecorder struct{}

func (nopRecorder) TransactionAdmitted()                {}
func (nopRecorder) TransactionRejected(string)          {}
func (nopRecorder) TransactionsEvicted(int)             {}
func (nopRecorder) TransactionsExpired(int)             {}
func (nopRecorder) TransactionsRemoved(string, int)     {}
func (nopRecorder) PoolSize(int)                        {}
func (nopRecorder) VerificationDuration(time.Duration) {}
func (nopRecorder) WorkersInFlight(int)                 {}
