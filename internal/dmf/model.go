package dmf

import "fmt"

// Message header keys used by the DMF protocol. Headers travel alongside the
// body on every delivery; TYPE and TENANT are mandatory for all messages.
const (
	HeaderType        = "type"
	HeaderTenant      = "tenant"
	HeaderThingID     = "thingId"
	HeaderTopic       = "topic"
	HeaderContentType = "content-type"
)

// ContentTypeJSON is the only content type accepted for structured payloads.
const ContentTypeJSON = "application/json"

// MessageType identifies the coarse message kind carried in the TYPE header.
type MessageType string

const (
	MessageThingCreated MessageType = "THING_CREATED"
	MessageEvent        MessageType = "EVENT"
	MessagePing         MessageType = "PING"
	MessagePingResponse MessageType = "PING_RESPONSE"
)

// ParseMessageType maps a raw header value onto the closed MessageType set.
// Unknown values are a protocol violation, never a silent fallthrough.
func ParseMessageType(raw string) (MessageType, error) {
	switch MessageType(raw) {
	case MessageThingCreated, MessageEvent, MessagePing:
		return MessageType(raw), nil
	default:
		return "", WrapProtocolViolation(fmt.Errorf("unknown message type %q", raw))
	}
}

// EventTopic identifies the sub-topic of an EVENT message.
type EventTopic string

const (
	// Inbound topics reported by controllers.
	TopicUpdateActionStatus    EventTopic = "UPDATE_ACTION_STATUS"
	TopicDownloadAndInstallAck EventTopic = "DOWNLOAD_AND_INSTALL_ACK"
	TopicCancelDownloadAck     EventTopic = "CANCEL_DOWNLOAD_ACK"

	// Outbound topics pushed to controllers.
	TopicDownloadAndInstall EventTopic = "DOWNLOAD_AND_INSTALL"
	TopicCancelDownload     EventTopic = "CANCEL_DOWNLOAD"
)

// ParseEventTopic maps a raw TOPIC header value onto the closed set of
// inbound topics.
func ParseEventTopic(raw string) (EventTopic, error) {
	switch EventTopic(raw) {
	case TopicUpdateActionStatus, TopicDownloadAndInstallAck, TopicCancelDownloadAck:
		return EventTopic(raw), nil
	default:
		return "", WrapProtocolViolation(fmt.Errorf("unknown event topic %q", raw))
	}
}

// ActionStatus enumerates the statuses a controller may report for an action.
type ActionStatus string

const (
	StatusDownload       ActionStatus = "DOWNLOAD"
	StatusRetrieved      ActionStatus = "RETRIEVED"
	StatusRunning        ActionStatus = "RUNNING"
	StatusFinished       ActionStatus = "FINISHED"
	StatusError          ActionStatus = "ERROR"
	StatusCanceled       ActionStatus = "CANCELED"
	StatusCancelRejected ActionStatus = "CANCEL_REJECTED"
	StatusWarning        ActionStatus = "WARNING"
)

// ParseActionStatus validates a reported status value.
func ParseActionStatus(raw string) (ActionStatus, error) {
	switch ActionStatus(raw) {
	case StatusDownload, StatusRetrieved, StatusRunning, StatusFinished,
		StatusError, StatusCanceled, StatusCancelRejected, StatusWarning:
		return ActionStatus(raw), nil
	default:
		return "", WrapProtocolViolation(fmt.Errorf("unknown action status %q", raw))
	}
}

// IsTerminal reports whether the status closes an action. Warning is an
// annotation and DOWNLOAD/RETRIEVED/RUNNING are intermediate.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCanceled, StatusCancelRejected:
		return true
	default:
		return false
	}
}

// ActionStatusUpdate is the body of an UPDATE_ACTION_STATUS event.
// OccurredAt is epoch milliseconds as reported by the device clock.
type ActionStatusUpdate struct {
	ActionID         int64        `json:"actionId"`
	SoftwareModuleID *int64       `json:"softwareModuleId,omitempty"`
	Status           ActionStatus `json:"actionStatus"`
	Messages         []string     `json:"message,omitempty"`
	OccurredAt       int64        `json:"timestamp,omitempty"`
}

// ArtifactHash carries the content hashes of an artifact binary.
type ArtifactHash struct {
	SHA1 string `json:"sha1,omitempty"`
	MD5  string `json:"md5,omitempty"`
}

// Artifact describes one downloadable binary of a software module.
type Artifact struct {
	Filename    string       `json:"filename"`
	Size        int64        `json:"size"`
	Hashes      ArtifactHash `json:"hashes"`
	DownloadURL string       `json:"url,omitempty"`
}

// SoftwareModule groups the artifacts of one module inside a distribution
// set assignment.
type SoftwareModule struct {
	ModuleID      int64      `json:"moduleId"`
	ModuleType    string     `json:"moduleType"`
	ModuleVersion string     `json:"moduleVersion"`
	Artifacts     []Artifact `json:"artifacts"`
}

// DownloadAndUpdateRequest is the outbound assignment payload pushed to a
// controller. SoftwareModules is always a list, possibly empty, never null.
type DownloadAndUpdateRequest struct {
	ActionID        int64            `json:"actionId"`
	TargetToken     string           `json:"targetSecurityToken,omitempty"`
	SoftwareModules []SoftwareModule `json:"softwareModules"`
}

// CancelRequest asks a controller to abort the referenced action.
type CancelRequest struct {
	ActionID int64 `json:"actionId"`
}

// DownloadResponse answers an authentication/download request. Code mirrors
// HTTP status semantics but travels inside the message body.
type DownloadResponse struct {
	Code        int              `json:"responseCode"`
	Message     string           `json:"message,omitempty"`
	Artifact    *ArtifactPayload `json:"artifact,omitempty"`
	DownloadURL string           `json:"downloadUrl,omitempty"`
}

// ArtifactPayload is the artifact descriptor embedded in a DownloadResponse.
type ArtifactPayload struct {
	Size   int64        `json:"size"`
	Hashes ArtifactHash `json:"hashes"`
}

// CreateThing is the optional body of a THING_CREATED message.
type CreateThing struct {
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// FileResource points at an artifact either by content hash or by the
// owning module id plus filename. Exactly one addressing mode must be set.
type FileResource struct {
	SHA1     string `json:"sha1,omitempty"`
	ModuleID int64  `json:"softwareModuleId,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ByHash reports whether the resource is addressed by content hash.
func (f FileResource) ByHash() bool { return f.SHA1 != "" }

// ByModuleFilename reports whether the resource is addressed by module id
// plus filename.
func (f FileResource) ByModuleFilename() bool { return f.ModuleID > 0 && f.Filename != "" }

// Valid reports whether exactly one addressing mode is populated.
func (f FileResource) Valid() bool {
	return f.ByHash() != f.ByModuleFilename()
}

// SecurityCredential carries the raw material a controller presents when
// requesting authentication or a download. It is constructed per delivery
// and discarded after handling.
type SecurityCredential struct {
	Tenant       string            `json:"tenant"`
	ControllerID string            `json:"controllerId"`
	TargetID     *int64            `json:"targetId,omitempty"`
	FileResource *FileResource     `json:"fileResource,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// Validate enforces the invariant that a credential always names tenant and
// controller.
func (c *SecurityCredential) Validate() error {
	if c == nil {
		return WrapProtocolViolation(fmt.Errorf("credential body is missing"))
	}
	if c.Tenant == "" || c.ControllerID == "" {
		return WrapProtocolViolation(fmt.Errorf("credential must carry tenant and controllerId"))
	}
	return nil
}
