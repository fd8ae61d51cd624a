package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/png", ContentTypeFor("scans/1/0.PNG"))
	assert.Equal(t, "image/jpeg", ContentTypeFor("a.jpeg"))
	assert.Equal(t, "application/dicom", ContentTypeFor("study.dcm"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("noext"))
}
