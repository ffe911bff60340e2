package main

import "time"

// Operational limits.
const (
	// outboundBuffer is the per-connection event queue. A connection whose
	// queue fills is dropped rather than allowed to stall the hub.
	outboundBuffer = 256

	// maxChatLength is the longest chat message accepted, in characters.
	maxChatLength = 4000

	// maxAvatarBytes caps one avatar upload.
	maxAvatarBytes = 5 << 20

	// wsReadLimit caps one inbound websocket frame. SDP blobs are the largest
	// thing clients send.
	wsReadLimit = 1 << 20

	// httpBodyLimit caps REST request bodies, avatar uploads included.
	httpBodyLimit = "8M"

	// linkPreviewTimeout bounds one OpenGraph fetch. Previews arrive after the
	// message, so a slow site only delays the preview.
	linkPreviewTimeout = 4 * time.Second

	// purgeInterval is how often expired bans and mutes are deleted.
	purgeInterval = 10 * time.Minute

	// tlsValidity is the lifetime of the generated self-signed certificate.
	tlsValidity = 14 * 24 * time.Hour
)
