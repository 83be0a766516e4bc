package payload

// Header tags used by data frames. Tags compare case-insensitively.
const (
	TagNotification      = "notification"
	TagClipboard         = "clipboard"
	TagFileTransferOffer = "file-transfer-offer"
	TagMediaControl      = "media-control"
	TagAppListRequest    = "app-list-request"
	TagIconRequest       = "icon-request"
)

// Notification mirrors a notification posted on the remote device.
type Notification struct {
	Type       string `json:"type,omitempty"`
	ID         string `json:"id"`
	AppPackage string `json:"appPackage,omitempty"`
	AppName    string `json:"appName,omitempty"`
	Title      string `json:"title"`
	Text       string `json:"text,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Ongoing    bool   `json:"ongoing,omitempty"`
}

// ClipboardUpdate carries new clipboard text.
type ClipboardUpdate struct {
	Type      string `json:"type,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// FileTransferOffer announces a file; the body travels out of band.
type FileTransferOffer struct {
	Type     string `json:"type,omitempty"`
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// MediaControl is a playback command or state update.
type MediaControl struct {
	Type   string `json:"type,omitempty"`
	Action string `json:"action"`
	Volume *int   `json:"volume,omitempty"`
}

// AppListRequest asks the remote device for its installed applications.
type AppListRequest struct {
	Type          string `json:"type,omitempty"`
	IncludeSystem bool   `json:"includeSystem,omitempty"`
}

// IconRequest asks for the icon of one application.
type IconRequest struct {
	Type       string `json:"type,omitempty"`
	AppPackage string `json:"appPackage"`
}
