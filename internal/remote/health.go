package remote

import "time"

// Health is the client's view of the remote service, served by /ready
type Health struct {
	Service             string        `json:"service"`
	LastSuccess         time.Time     `json:"lastSuccess"`
	LastFailure         time.Time     `json:"lastFailure"`
	LastError           string        `json:"lastError,omitempty"`
	LastDuration        time.Duration `json:"lastDuration"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	CircuitState        string        `json:"circuitState"`
}

// Healthy reports whether the circuit is not open
func (h Health) Healthy() bool {
	return h.CircuitState != "open"
}

// Health returns the current health of the remote service
func (c *Client) Health() Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()

	h := c.health
	h.CircuitState = c.cb.State().String()
	return h
}

func (c *Client) recordHealth(err error, duration time.Duration) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	c.health.LastDuration = duration
	if err == nil {
		c.health.LastSuccess = time.Now()
		c.health.LastError = ""
		c.health.ConsecutiveFailures = 0
		return
	}

	c.health.LastFailure = time.Now()
	c.health.LastError = err.Error()
	c.health.ConsecutiveFailures++
}
