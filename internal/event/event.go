// Package event defines the domain events published to the event log.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"coupon/internal/model"
)

// Type names an event variant on the wire
type Type string

const (
	TypeIssueRequested Type = "IssueRequested"
	TypeCouponIssued   Type = "CouponIssued"
	TypeCouponCreated  Type = "CouponCreated"
)

// ErrUnknownType is returned by Unmarshal for an unrecognised variant
var ErrUnknownType = errors.New("event: unknown type")

// Payload is implemented only by the variants in this package.
type Payload interface {
	eventType() Type
}

// IssueRequested asks a log consumer to issue a coupon
type IssueRequested struct {
	RequestID   string    `json:"requestId"`
	CouponID    uint64    `json:"couponId"`
	UserID      uint64    `json:"userId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// CouponIssued announces a committed grant
type CouponIssued struct {
	GrantID   uint64    `json:"grantId"`
	CouponID  uint64    `json:"couponId"`
	UserID    uint64    `json:"userId"`
	RequestID string    `json:"requestId,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// CouponCreated announces a new coupon
type CouponCreated struct {
	CouponID      uint64    `json:"couponId"`
	Name          string    `json:"name"`
	TotalQuantity int       `json:"totalQuantity"`
	ExpiredAt     time.Time `json:"expiredAt"`
}

func (IssueRequested) eventType() Type { return TypeIssueRequested }
func (CouponIssued) eventType() Type   { return TypeCouponIssued }
func (CouponCreated) eventType() Type  { return TypeCouponCreated }

// Event is the envelope shared by every variant. AggregateID is the coupon id
// and doubles as the partition key.
type Event struct {
	ID          string
	Type        Type
	AggregateID string
	OccurredAt  time.Time
	Payload     Payload
}

func newEvent(couponID uint64, at time.Time, p Payload) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        p.eventType(),
		AggregateID: strconv.FormatUint(couponID, 10),
		OccurredAt:  at,
		Payload:     p,
	}
}

func NewIssueRequested(requestID string, couponID, userID uint64, requestedAt time.Time) Event {
	return newEvent(couponID, requestedAt, IssueRequested{
		RequestID:   requestID,
		CouponID:    couponID,
		UserID:      userID,
		RequestedAt: requestedAt,
	})
}

func NewCouponIssued(grant *model.UserCoupon) Event {
	return newEvent(grant.CouponID, grant.IssuedAt, CouponIssued{
		GrantID:   grant.ID,
		CouponID:  grant.CouponID,
		UserID:    grant.UserID,
		RequestID: grant.RequestID,
		IssuedAt:  grant.IssuedAt,
	})
}

func NewCouponCreated(c *model.Coupon) Event {
	return newEvent(c.ID, c.CreatedAt, CouponCreated{
		CouponID:      c.ID,
		Name:          c.Name,
		TotalQuantity: c.TotalQuantity,
		ExpiredAt:     c.ExpiredAt,
	})
}

// Key returns the partition key
func (e Event) Key() []byte {
	return []byte(e.AggregateID)
}

type envelope struct {
	EventID     string          `json:"eventId"`
	Type        Type            `json:"type"`
	AggregateID string          `json:"aggregateId"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Payload     json.RawMessage `json:"payload"`
}

// Marshal encodes e as a JSON envelope
func Marshal(e Event) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	return json.Marshal(envelope{
		EventID:     e.ID,
		Type:        e.Type,
		AggregateID: e.AggregateID,
		OccurredAt:  e.OccurredAt,
		Payload:     payload,
	})
}

// Unmarshal decodes an envelope written by Marshal
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}

	var p Payload
	switch env.Type {
	case TypeIssueRequested:
		var v IssueRequested
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		p = v
	case TypeCouponIssued:
		var v CouponIssued
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		p = v
	case TypeCouponCreated:
		var v CouponCreated
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		p = v
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	return Event{
		ID:          env.EventID,
		Type:        env.Type,
		AggregateID: env.AggregateID,
		OccurredAt:  env.OccurredAt,
		Payload:     p,
	}, nil
}

// ToOutbox wraps e in a pending outbox row bound for topic
func (e Event) ToOutbox(topic string) (*model.OutboxEvent, error) {
	data, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	return &model.OutboxEvent{
		EventID:     e.ID,
		EventType:   string(e.Type),
		AggregateID: e.AggregateID,
		Topic:       topic,
		Payload:     data,
		Status:      model.OutboxStatusPending,
		CreatedAt:   e.OccurredAt,
	}, nil
}
