// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// Header is a single key/value pair. Keys compare case-insensitively.
type Header struct {
	Key   string
	Value string
}

// Known header names.
const (
	HeaderRequestID      = "Request-Id"
	HeaderCount          = "Count"
	HeaderClear          = "Clear"
	HeaderOrder          = "Order"
	HeaderInfo           = "Info"
	HeaderNoContent      = "No-Content"
	HeaderNegativeReason = "Negative-Reason"
	HeaderReason         = "Reason"

	HeaderQueueType       = "Queue-Type"
	HeaderAcknowledge     = "Acknowledge"
	HeaderAckTimeout      = "Ack-Timeout"
	HeaderMessageTimeout  = "Message-Timeout"
	HeaderMessageLimit    = "Message-Limit"
	HeaderClientLimit     = "Client-Limit"
	HeaderDeliveryHandler = "Delivery-Handler"
	HeaderPutBackDelay    = "Put-Back-Delay"
	HeaderQueueStatus     = "Queue-Status"

	HeaderQueueMessages         = "Queue-Messages"
	HeaderQueuePriorityMessages = "Queue-Priority-Messages"

	HeaderClientID    = "Client-Id"
	HeaderClientName  = "Client-Name"
	HeaderClientType  = "Client-Type"
	HeaderClientToken = "Client-Token"

	HeaderContentEncoding = "Content-Encoding"
)

// Values of the Clear header on pull requests.
const (
	ClearAll             = "all"
	ClearHighPriority    = "High-Priority"
	ClearDefaultPriority = "Default-Priority"
)

// OrderLIFO is the Order header value asking for newest-first delivery.
const OrderLIFO = "LIFO"

// Values of the No-Content header on terminal pull frames.
const (
	NoContentEnd          = "End"
	NoContentEmpty        = "Empty"
	NoContentUnacceptable = "Unacceptable"
	NoContentUnauthorized = "Unauthorized"
	NoContentError        = "Error"
)
