package store

import (
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers branch with
// errors.Is; none of these are fatal to the process.
var (
	// ErrNotFound means no notification matches the id (and recipient,
	// where the operation is recipient-scoped).
	ErrNotFound = errors.New("notification not found")

	// ErrAlreadyRead rejects content edits on a notification the recipient
	// has already seen. Rewriting read notifications silently is an
	// intentional non-feature.
	ErrAlreadyRead = errors.New("notification already read")

	// ErrInvalidRecipient means the recipient has no active membership in
	// the stated brand.
	ErrInvalidRecipient = errors.New("recipient is not an active brand member")

	// ErrPermissionDenied means the requester is neither the recipient nor
	// a brand manager.
	ErrPermissionDenied = errors.New("permission denied")
)

// DeliveryState tracks one delivery method's progress for a notification.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// Delivery method names. in_app goes through the event router; the rest are
// handed to external transports.
const (
	MethodInApp = "in_app"
	MethodEmail = "email"
	MethodPush  = "push"
	MethodSMS   = "sms"
)

// Brand membership roles.
const (
	RoleMember  = "member"
	RoleManager = "manager"
)

// EntityRef points a notification at the domain entity it concerns.
type EntityRef struct {
	Type string
	ID   string
}

// Notification is one recipient's durable copy of a notification. Fan-out to
// N recipients creates N independent records.
type Notification struct {
	ID          string
	BrandID     string
	RecipientID string
	Type        string // domain-defined, e.g. "task_assigned"
	Title       string
	Message     string
	Entity      EntityRef
	Priority    string
	Methods     []string
	Read        bool
	CreatedAt   time.Time
	ReadAt      time.Time

	// Delivery maps method name to its current state. Populated on reads.
	Delivery map[string]DeliveryState
}

// Member is one user's membership in a brand.
type Member struct {
	BrandID   string
	UserID    string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// Filter narrows ListForRecipient results.
type Filter struct {
	UnreadOnly bool
	Type       string
	Limit      int
	Cursor     string
}

// Page is one page of a recipient's notifications, newest first. NextCursor
// is empty on the last page.
type Page struct {
	Notifications []Notification
	NextCursor    string
}

// Store is the persistence interface for notifications and brand membership
// lookups.
type Store interface {
	// Notifications
	CreateNotification(n *Notification) error
	GetNotification(id string) (*Notification, error)
	MarkRead(id, recipientID string) error
	MarkAllRead(recipientID, brandID string) (int, error)
	UpdateNotification(id, requesterID, title, message string) error
	DeleteNotification(id, requesterID string) error
	ListForRecipient(recipientID, brandID string, f Filter) (*Page, error)
	CountUnread(recipientID, brandID string) (int, error)
	SetDeliveryState(id, method string, state DeliveryState) error

	// Brand membership
	AddMember(m *Member) error
	IsMember(userID, brandID string) (bool, error)
	Role(userID, brandID string) (string, error)

	// Maintenance
	Cleanup(retention time.Duration) error
	Close() error
}
