package protocol

import "encoding/json"

// Event names used by the websocket protocol.
const (
	// Client -> server.
	TypeJoinTextChannel    = "join_text_channel"
	TypeLeaveTextChannel   = "leave_text_channel"
	TypeSendMessage        = "send_message"
	TypeDeleteMessage      = "delete_message"
	TypeJoinVoiceChannel   = "join_voice_channel"
	TypeLeaveVoiceChannel  = "leave_voice_channel"
	TypeRequestOnlineUsers = "request_online_users"
	TypePing               = "ping"

	// Server -> client.
	TypeReady           = "ready"
	TypeReceiveMessage  = "receive_message"
	TypeMessageAck      = "message_ack"
	TypeMessageDeleted  = "message_deleted"
	TypeChatHistory     = "chat_history"
	TypeLinkPreview     = "link_preview"
	TypeExistingUsers   = "existing_users"
	TypeUserJoinedVoice = "user_joined_voice"
	TypeUserLeft        = "user_left"
	TypeOnlineUsersList = "online_users_list"
	TypePong            = "pong"
	TypeError           = "error"

	// Relayed in both directions.
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Error codes carried by TypeError events.
const (
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeBanned       = "banned"
	CodeMuted        = "muted"
	CodeInvalid      = "invalid"
	CodeInternal     = "internal"
)

// IsSignal reports whether t is one of the relayed call-setup events.
func IsSignal(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

// Message is the JSON envelope exchanged over websocket.
type Message struct {
	Type string `json:"type"`

	ChannelID string `json:"channelId,omitempty"`
	Message   string `json:"message,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`

	// Signaling. SDP and Candidate are opaque to the server.
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	ConnectionID string        `json:"connectionId,omitempty"`
	Self         *OnlineUser   `json:"self,omitempty"`
	Peer         *Peer         `json:"peer,omitempty"`
	Peers        []Peer        `json:"peers,omitempty"`
	Chat         *ChatMessage  `json:"chat,omitempty"`
	History      []ChatMessage `json:"history,omitempty"`
	Online       []OnlineUser  `json:"online,omitempty"`
	Preview      *LinkPreview  `json:"preview,omitempty"`
	ICEServers   []ICEServer   `json:"iceServers,omitempty"`

	TS    int64  `json:"ts,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// OnlineUser is one live connection in the presence list.
type OnlineUser struct {
	ID          string `json:"id"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Peer describes a voice room member. Initiator tells the receiver whether it
// must send the offer to this peer (true) or wait for one (false).
type Peer struct {
	ID          string `json:"id"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Initiator   bool   `json:"initiator"`
}

// ChatMessage is a persisted chat message as delivered to clients.
type ChatMessage struct {
	ID          int64  `json:"id"`
	ChannelID   string `json:"channelId"`
	UserID      int64  `json:"userId"`
	Author      string `json:"author"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// LinkPreview is OpenGraph metadata for the first URL in a chat message.
type LinkPreview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Desc     string `json:"desc,omitempty"`
	Image    string `json:"image,omitempty"`
	SiteName string `json:"siteName,omitempty"`
}

// ICEServer mirrors the RTCIceServer dictionary handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// VoiceRoom is a read-only view of one voice room for diagnostics.
type VoiceRoom struct {
	ChannelID string   `json:"channelId"`
	ServerID  string   `json:"serverId"`
	Members   []string `json:"members"`
}
