package sos

import "time"

const (
	// DefaultInterval is the wait between two iterations of a running loop.
	DefaultInterval = 10 * time.Second

	// DefaultLocationTimeout bounds a single position request.
	DefaultLocationTimeout = 8 * time.Second

	// DefaultDeliveryTimeout bounds a single message delivery.
	DefaultDeliveryTimeout = 15 * time.Second

	// DefaultStopTimeout is how long StopAll waits for each loop to exit.
	DefaultStopTimeout = 5 * time.Second

	// indicatorTimeout bounds calls to the indicator.
	indicatorTimeout = 10 * time.Second
)
