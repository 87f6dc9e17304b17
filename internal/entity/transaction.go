package entity

// TransactionIDGenerator hands out process-wide unique, monotonic ids shared
// by client requests and child requests.
type TransactionIDGenerator interface {
	NextID() int64
	// Observe moves the generator past an id allocated outside of it.
	Observe(id int64)
}
