// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

// HandlerFunc processes one message.
type HandlerFunc func(msg Message)

// Router maps a routing key to the handler for messages published with it.
type Router map[string]HandlerFunc

func NewRouter() Router {
	return make(Router)
}

// Add registers h for routingKey, replacing any earlier handler, and returns r
// so registrations can be chained.
func (r Router) Add(routingKey string, h HandlerFunc) Router {
	r[routingKey] = h

	return r
}

func (r Router) clone() Router {
	out := make(Router, len(r))
	for k, v := range r {
		out[k] = v
	}

	return out
}
