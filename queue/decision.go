// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// Decision is the verdict a delivery handler returns at each step of the
// delivery pipeline.
type Decision struct {
	// Allow lets the pipeline continue with the current step.
	Allow bool
	// Persist asks the handler to save the message.
	Persist bool
	// SendNegativeAckToProducer sends a failed response to a producer
	// waiting for one.
	SendNegativeAckToProducer bool
	// PutBackToQueue re-enqueues the message once the current delivery
	// round ends instead of removing it.
	PutBackToQueue bool
	// NegativeReason is carried in the Negative-Reason header of the
	// failed response.
	NegativeReason string
}

// Continue lets the pipeline proceed without side effects.
func Continue() Decision {
	return Decision{Allow: true}
}

// ContinueAndPersist lets the pipeline proceed and saves the message.
func ContinueAndPersist() Decision {
	return Decision{Allow: true, Persist: true}
}

// Deny stops the current step and notifies a waiting producer.
func Deny(reason string) Decision {
	return Decision{SendNegativeAckToProducer: true, NegativeReason: reason}
}

// PutBack lets the pipeline proceed and re-enqueues the message afterwards.
func PutBack() Decision {
	return Decision{Allow: true, PutBackToQueue: true}
}

// merge combines a per-step decision into the accumulated outcome of a
// delivery round. Allow is not accumulated.
func (d Decision) merge(o Decision) Decision {
	d.Persist = d.Persist || o.Persist
	d.SendNegativeAckToProducer = d.SendNegativeAckToProducer || o.SendNegativeAckToProducer
	d.PutBackToQueue = d.PutBackToQueue || o.PutBackToQueue
	if d.NegativeReason == "" {
		d.NegativeReason = o.NegativeReason
	}
	return d
}
