package model

import "time"

// RequestStatus lifecycle of an asynchronous issue request
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
)

const (
	MessagePending    = "coupon issue request queued"
	MessageProcessing = "coupon issue in progress"
	MessageCompleted  = "coupon issued"
)

// IsTerminal check if no further transition happens
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

// IssuanceRequest is the pollable record of an async issue request. It lives in
// Redis with a TTL and never in the relational store.
type IssuanceRequest struct {
	RequestID   string        `json:"requestId"`
	UserID      uint64        `json:"userId"`
	CouponID    uint64        `json:"couponId"`
	Status      RequestStatus `json:"status"`
	Message     string        `json:"message"`
	RequestedAt time.Time     `json:"requestedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	GrantID     *uint64       `json:"grantId,omitempty"`
}
