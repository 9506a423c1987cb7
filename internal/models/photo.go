package models

// Picture is the NewPIC payload.
type Picture struct {
	PictureHash string `json:"pictureHash"`
	UserKey     string `json:"userKey"`
}

// Upload field names forwarded to the directory with changePIC and sendFile.
const (
	FieldPicture  = "Picture"
	FieldFileName = "FileName"
	FieldFileType = "FileType"
	FieldFileData = "FileData"
	FieldChatKey  = "ChatKey"
)
