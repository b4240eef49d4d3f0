package protocol

// Denial reasons and error codes shared between client and server
const (
	ReasonBanned = "banned"
	ReasonBusy   = "busy"

	CodeNoFile           = "no_file"
	CodeChannelBusy      = "channel_busy"
	CodeMissingMessageID = "missing_messageId"
	CodeUnknownMessage   = "unknown_message"
)

// HTTP endpoints of the relay's synchronous surface
const (
	UploadPath    = "/ptt/upload"
	ComplaintPath = "/ptt/complaint"
	UploadsPrefix = "/uploads"
)
