package time868

const (
	DefaultAddr     = "127.0.0.1:37000"
	DefaultWorkers  = 1
	DefaultRequests = 1000
)

type ServerConfig struct {
	Addr     string
	Strategy Strategy
	Workers  int
	// QueueSize bounds the worker pool queue. Zero means unbounded.
	QueueSize int
}

// Normalize fills in defaults and clamps counts to at least one.
func (c ServerConfig) Normalize() ServerConfig {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Strategy == "" {
		c.Strategy = Blocking
	}
	c.Workers = clamp(c.Workers)
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	return c
}

type ClientConfig struct {
	Addr     string
	Requests int
	Workers  int
	// Rate is the mean number of requests per second issued by each worker.
	// Zero sends back to back.
	Rate float64
}

func (c ClientConfig) Normalize() ClientConfig {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	c.Requests = clamp(c.Requests)
	c.Workers = clamp(c.Workers)
	if c.Rate < 0 {
		c.Rate = 0
	}
	return c
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
