package message

import (
	"strings"

	"github.com/pondersource/phase4/pkg/compression"
)

// PayloadMetadata contains metadata extracted from PartInfo for a payload
type PayloadMetadata struct {
	// Href is the Content-ID reference (e.g., "cid:attachment@example.com")
	Href string
	// ContentID is the href without the "cid:" prefix
	ContentID string
	// MimeType is the original MIME type from PartProperties
	MimeType string
	// Compression is derived from the CompressionType part property
	Compression compression.Mode
	// CharacterSet is the character encoding
	CharacterSet string
}

// ExtractPayloadMetadata reads the attachment related PartInfo entries of
// a UserMessage, keyed by normalized Content-ID. Body payload references
// (href not starting with "cid:") are skipped. An unknown CompressionType
// is returned in unsupported.
func ExtractPayloadMetadata(userMsg *UserMessage) (result map[string]*PayloadMetadata, unsupported []string) {
	result = make(map[string]*PayloadMetadata)

	if userMsg == nil || userMsg.PayloadInfo == nil {
		return result, nil
	}

	for _, partInfo := range userMsg.PayloadInfo.PartInfo {
		if !IsAttachmentHref(partInfo.Href) {
			continue
		}
		meta := &PayloadMetadata{
			Href:      partInfo.Href,
			ContentID: NormalizeContentID(partInfo.Href),
		}
		if partInfo.PartProperties != nil {
			for _, prop := range partInfo.PartProperties.Property {
				switch {
				case equalFold(prop.Name, PartPropertyMimeType):
					meta.MimeType = prop.Value
				case equalFold(prop.Name, PartPropertyCompressionType):
					mode, ok := compression.ModeFromMimeType(prop.Value)
					if !ok {
						unsupported = append(unsupported, prop.Value)
						continue
					}
					meta.Compression = mode
				case equalFold(prop.Name, PartPropertyCharacterSet):
					meta.CharacterSet = prop.Value
				}
			}
		}
		result[meta.ContentID] = meta
	}

	return result, unsupported
}

// IsAttachmentHref reports whether a PartInfo href points at a MIME part
func IsAttachmentHref(href string) bool {
	return strings.HasPrefix(href, "cid:")
}

// NormalizeContentID normalizes a Content-ID by removing angle brackets and cid: prefix
func NormalizeContentID(contentID string) string {
	contentID = trimAngleBrackets(strings.TrimSpace(contentID))
	return trimAngleBrackets(strings.TrimPrefix(contentID, "cid:"))
}

func trimAngleBrackets(s string) string {
	return strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
}

// MatchContentID checks if two Content-IDs match, ignoring formatting differences
func MatchContentID(id1, id2 string) bool {
	return NormalizeContentID(id1) == NormalizeContentID(id2)
}

// HrefContains reports whether a PartInfo href refers to the attachment
// with the given ID. A leading "attachment=" on the ID is ignored.
func HrefContains(href, contentID string) bool {
	id := strings.TrimPrefix(NormalizeContentID(contentID), "attachment=")
	if id == "" {
		return false
	}
	return strings.Contains(href, id)
}

// NewPartInfo creates a new PartInfo with the given Content-ID
func NewPartInfo(contentID string) PartInfo {
	return PartInfo{
		Href: "cid:" + NormalizeContentID(contentID),
	}
}

// AddPartProperty adds a property to PartInfo
func (p *PartInfo) AddPartProperty(name, value string) {
	if p.PartProperties == nil {
		p.PartProperties = &PartProperties{}
	}
	p.PartProperties.Property = append(p.PartProperties.Property, Property{
		Name:  name,
		Value: value,
	})
}

// SetMimeType sets the MimeType property
func (p *PartInfo) SetMimeType(mimeType string) {
	p.AddPartProperty(PartPropertyMimeType, mimeType)
}

// SetCompressionType sets the CompressionType property
func (p *PartInfo) SetCompressionType(mode compression.Mode) {
	if mode == compression.None {
		return
	}
	p.AddPartProperty(PartPropertyCompressionType, mode.MimeType())
}

// SetCharacterSet sets the CharacterSet property
func (p *PartInfo) SetCharacterSet(charset string) {
	p.AddPartProperty(PartPropertyCharacterSet, charset)
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
