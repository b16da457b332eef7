package core

import (
	"fmt"
	"strings"
)

// BlockType tags the variants of ContentBlock.
type BlockType string

const (
	BlockVideo BlockType = "video"
	BlockPhoto BlockType = "photo"
	BlockLink  BlockType = "link"
	BlockText  BlockType = "text"
)

// BlockMeta holds the fields shared by every content block.
type BlockMeta struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	OrderIndex  int    `json:"order_index"`
	Active      bool   `json:"active"`
}

// ContentBlock is one of VideoBlock, PhotoBlock, LinkBlock or TextBlock.
type ContentBlock interface {
	Meta() BlockMeta
	Type() BlockType
	validate() error
}

// VideoBlock references a video in the signed playback library.
type VideoBlock struct {
	BlockMeta
	AssetID string `json:"asset_id"`
}

// PhotoBlock references an image path on the CDN pull zone.
type PhotoBlock struct {
	BlockMeta
	ImagePath string `json:"image_path"`
}

// LinkBlock is an outbound link.
type LinkBlock struct {
	BlockMeta
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
}

// TextBlock is free text.
type TextBlock struct {
	BlockMeta
	Body string `json:"body"`
}

func (b VideoBlock) Meta() BlockMeta { return b.BlockMeta }
func (b PhotoBlock) Meta() BlockMeta { return b.BlockMeta }
func (b LinkBlock) Meta() BlockMeta  { return b.BlockMeta }
func (b TextBlock) Meta() BlockMeta  { return b.BlockMeta }

func (VideoBlock) Type() BlockType { return BlockVideo }
func (PhotoBlock) Type() BlockType { return BlockPhoto }
func (LinkBlock) Type() BlockType  { return BlockLink }
func (TextBlock) Type() BlockType  { return BlockText }

func (b VideoBlock) validate() error { return requireField("asset_id", b.AssetID) }
func (b PhotoBlock) validate() error { return requireField("image_path", b.ImagePath) }
func (b LinkBlock) validate() error  { return requireField("url", b.URL) }
func (b TextBlock) validate() error  { return requireField("body", b.Body) }

// ValidateBlock checks the variant-specific required fields.
func ValidateBlock(b ContentBlock) error {
	if b == nil {
		return fmt.Errorf("%w: content block is nil", ErrInvalidInput)
	}
	if b.Meta().ProjectID == 0 {
		return fmt.Errorf("%w: project_id is required", ErrInvalidInput)
	}
	return b.validate()
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	return nil
}

// BlockRow is the flat column layout of project_content shared by the SQL stores.
type BlockRow struct {
	Meta        BlockMeta
	Type        string
	VideoID     string
	ImagePath   string
	LinkURL     string
	LinkLabel   string
	TextContent string
}

// RowFromBlock flattens b for insertion.
func RowFromBlock(b ContentBlock) BlockRow {
	row := BlockRow{Meta: b.Meta(), Type: string(b.Type())}
	switch v := b.(type) {
	case VideoBlock:
		row.VideoID = v.AssetID
	case PhotoBlock:
		row.ImagePath = v.ImagePath
	case LinkBlock:
		row.LinkURL = v.URL
		row.LinkLabel = v.Label
	case TextBlock:
		row.TextContent = v.Body
	}
	return row
}

// BlockFromRow rebuilds the variant stored in row.
func BlockFromRow(row BlockRow) (ContentBlock, error) {
	switch BlockType(row.Type) {
	case BlockVideo:
		return VideoBlock{BlockMeta: row.Meta, AssetID: row.VideoID}, nil
	case BlockPhoto:
		return PhotoBlock{BlockMeta: row.Meta, ImagePath: row.ImagePath}, nil
	case BlockLink:
		return LinkBlock{BlockMeta: row.Meta, URL: row.LinkURL, Label: row.LinkLabel}, nil
	case BlockText:
		return TextBlock{BlockMeta: row.Meta, Body: row.TextContent}, nil
	default:
		return nil, fmt.Errorf("unknown content block type %q", row.Type)
	}
}

// ResolvedBlock is a content block ready for a viewer with a valid session.
type ResolvedBlock struct {
	BlockMeta
	Type  BlockType `json:"type"`
	URL   string    `json:"url,omitempty"`
	Label string    `json:"label,omitempty"`
	Body  string    `json:"body,omitempty"`
}
