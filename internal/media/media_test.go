package media

import (
	"strings"
	"testing"
)

func TestCheckPolicy(t *testing.T) {
	tests := []struct {
		name        string
		category    Category
		contentType string
		sizeBytes   int64
		wantErr     string
	}{
		{
			name:        "voice note ogg accepted",
			category:    CategoryVoiceNote,
			contentType: "audio/ogg; codecs=opus",
			sizeBytes:   2 << 20,
		},
		{
			name:        "voice note mp4 audio accepted",
			category:    CategoryVoiceNote,
			contentType: "audio/mp4",
			sizeBytes:   1024,
		},
		{
			name:        "voice note rejects video",
			category:    CategoryVoiceNote,
			contentType: "video/mp4",
			sizeBytes:   1024,
			wantErr:     "not allowed",
		},
		{
			name:        "voice note rejects oversize",
			category:    CategoryVoiceNote,
			contentType: "audio/ogg",
			sizeBytes:   17 << 20,
			wantErr:     "exceeds",
		},
		{
			name:        "voice note rejects empty",
			category:    CategoryVoiceNote,
			contentType: "audio/ogg",
			sizeBytes:   0,
			wantErr:     "empty upload",
		},
		{
			name:        "cover image accepted",
			category:    CategoryAlbumCover,
			contentType: "image/jpeg",
			sizeBytes:   1 << 20,
		},
		{
			name:        "cover rejects audio",
			category:    CategoryAlbumCover,
			contentType: "audio/ogg",
			sizeBytes:   1024,
			wantErr:     "not allowed",
		},
		{
			name:        "webhook video accepted",
			category:    CategoryWebhookVideo,
			contentType: "video/mp4",
			sizeBytes:   32 << 20,
		},
		{
			name:        "webhook document pdf accepted",
			category:    CategoryWebhookDocument,
			contentType: "application/pdf",
			sizeBytes:   1 << 20,
		},
		{
			name:        "webhook document rejects binary blob",
			category:    CategoryWebhookDocument,
			contentType: "application/octet-stream",
			sizeBytes:   1 << 20,
			wantErr:     "not allowed",
		},
		{
			name:        "unknown category rejected",
			category:    Category("tarballs"),
			contentType: "application/gzip",
			sizeBytes:   1024,
			wantErr:     "unknown media category",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPolicy(tt.category, tt.contentType, tt.sizeBytes)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected accept, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCategoryForMIME(t *testing.T) {
	tests := []struct {
		contentType string
		want        Category
		ok          bool
	}{
		{"audio/ogg", CategoryWebhookAudio, true},
		{"video/mp4", CategoryWebhookVideo, true},
		{"image/png", CategoryWebhookImage, true},
		{"application/pdf", CategoryWebhookDocument, true},
		{"text/plain", CategoryWebhookDocument, true},
		{"application/octet-stream", "", false},
	}
	for _, tt := range tests {
		got, ok := CategoryForMIME(tt.contentType)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CategoryForMIME(%q) = (%s, %v), want (%s, %v)", tt.contentType, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBucketName(t *testing.T) {
	plain := &MinioStore{opts: Opts{}}
	if got := plain.bucketName(CategoryVoiceNote); got != "voice-notes" {
		t.Errorf("expected voice-notes, got %s", got)
	}

	prefixed := &MinioStore{opts: Opts{BucketPrefix: "virasat-prod"}}
	if got := prefixed.bucketName(CategoryVoiceNote); got != "virasat-prod-voice-notes" {
		t.Errorf("expected virasat-prod-voice-notes, got %s", got)
	}
}
