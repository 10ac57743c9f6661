package constants

// Attachment types accepted on messages.
const (
	AttachmentImage    = "image"
	AttachmentVideo    = "video"
	AttachmentAudio    = "audio"
	AttachmentPDF      = "pdf"
	AttachmentDocument = "document"
	AttachmentFile     = "file"
)

// GenericAttachmentName is used when neither a name nor a known type is available.
const GenericAttachmentName = "attachment"

// GenericDownloadName is the last-resort filename for downloaded content.
const GenericDownloadName = "attachment.bin"

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"

// AttachmentFallbackNames maps an attachment type to the display name used when
// the sender did not supply one.
var AttachmentFallbackNames = map[string]string{
	AttachmentImage:    "image",
	AttachmentVideo:    "video",
	AttachmentAudio:    "audio",
	AttachmentPDF:      "document.pdf",
	AttachmentDocument: "document",
	AttachmentFile:     "file",
}

// AttachmentTypeExtensions is the extension used when a file must be renamed
// after its declared type.
var AttachmentTypeExtensions = map[string]string{
	AttachmentImage:    "jpg",
	AttachmentVideo:    "mp4",
	AttachmentAudio:    "mp3",
	AttachmentPDF:      "pdf",
	AttachmentDocument: "doc",
	AttachmentFile:     "bin",
}

// AllowedExtensions is the upload and download allow-list, keyed by lowercase
// extension without the dot, valued by attachment type.
var AllowedExtensions = map[string]string{
	"png":  AttachmentImage,
	"jpg":  AttachmentImage,
	"jpeg": AttachmentImage,
	"gif":  AttachmentImage,
	"webp": AttachmentImage,
	"mp4":  AttachmentVideo,
	"avi":  AttachmentVideo,
	"mov":  AttachmentVideo,
	"wmv":  AttachmentVideo,
	"webm": AttachmentVideo,
	"mp3":  AttachmentAudio,
	"wav":  AttachmentAudio,
	"ogg":  AttachmentAudio,
	"m4a":  AttachmentAudio,
	"aac":  AttachmentAudio,
	"pdf":  AttachmentPDF,
	"doc":  AttachmentDocument,
	"docx": AttachmentDocument,
	"txt":  AttachmentDocument,
	"zip":  AttachmentFile,
	"rar":  AttachmentFile,
}

// ContentTypeToExtension maps content types to file extensions
var ContentTypeToExtension = map[string]string{
	"image/jpeg":         "jpg",
	"image/jpg":          "jpg",
	"image/png":          "png",
	"image/gif":          "gif",
	"image/webp":         "webp",
	"video/mp4":          "mp4",
	"video/quicktime":    "mov",
	"video/x-msvideo":    "avi",
	"video/x-ms-wmv":     "wmv",
	"video/webm":         "webm",
	"audio/mpeg":         "mp3",
	"audio/mp3":          "mp3",
	"audio/wav":          "wav",
	"audio/x-wav":        "wav",
	"audio/ogg":          "ogg",
	"audio/mp4":          "m4a",
	"audio/m4a":          "m4a",
	"audio/aac":          "aac",
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"text/plain":                   "txt",
	"application/zip":              "zip",
	"application/x-rar-compressed": "rar",
	"application/vnd.rar":          "rar",
}

// MimeTypes maps file extensions to their MIME types for served uploads
var MimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".zip":  "application/zip",
	".rar":  "application/vnd.rar",
}
