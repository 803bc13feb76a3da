// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

type EmptyRouteError struct {
}

func (EmptyRouteError) Error() string {
	return "empty route"
}

type UnroutedMessageError struct {
}

func (UnroutedMessageError) Error() string {
	return "unrouted message"
}

type ConsumerStopError struct {
}

func (ConsumerStopError) Error() string {
	return "stop consumer, dropped with error"
}
