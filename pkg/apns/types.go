// Package apns is the public facade for sending push notifications to
// Apple's Push Notification service over HTTP/2.
package apns

import "time"

// Priority is the APNs delivery priority.
type Priority int

const (
	// PriorityConservePower defers delivery to conserve the device's power.
	PriorityConservePower Priority = 5
	// PriorityImmediate delivers the notification immediately.
	PriorityImmediate Priority = 10
)

// PushType is the apns-push-type header value.
type PushType string

const (
	PushTypeAlert         PushType = "alert"
	PushTypeBackground    PushType = "background"
	PushTypeVOIP          PushType = "voip"
	PushTypeComplication  PushType = "complication"
	PushTypeFileProvider  PushType = "fileprovider"
	PushTypeMDM           PushType = "mdm"
	PushTypeLocation      PushType = "location"
	PushTypeLiveActivity  PushType = "liveactivity"
	PushTypePushToTalk    PushType = "pushtotalk"
)

// Notification is a single push notification request.
type Notification struct {
	// DeviceToken is the 64-character hex-ascii device token.
	DeviceToken string
	// Topic is usually the receiving app's bundle identifier.
	Topic string
	// Payload is the raw UTF-8 JSON payload bytes, at most 4096 bytes.
	Payload []byte
	// Expiration is when APNs should stop trying to deliver the
	// notification. The zero value means "do not store for later delivery".
	Expiration time.Time
	// Priority, if zero, is left unset on the wire (APNs defaults to 10).
	Priority Priority
	// PushType, if empty, is left unset on the wire.
	PushType PushType
	// CollapseID coalesces multiple notifications into one displayed alert.
	CollapseID string
	// ApnsID is the client-supplied identifier for this notification. If
	// empty, the server generates one and the client fills it in from the
	// response.
	ApnsID string
}

// Response is the outcome of a single send. Rejections are data, not
// errors: Accepted is false and RejectionReason is populated, but no error
// is returned from Client.Send.
type Response struct {
	Accepted           bool
	ApnsID             string
	StatusCode         int
	RejectionReason    string
	TokenInvalidationAt time.Time
	ApnsUniqueID       string
}
