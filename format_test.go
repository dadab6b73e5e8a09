package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{10 * 1024 * 1024, "10.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
		{2 * 1024 * 1024 * 1024 * 1024, "2.0 TB"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, formatSize(tc.bytes), "formatSize(%d)", tc.bytes)
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))

	thisYear := time.Date(time.Now().Year(), time.March, 5, 14, 30, 0, 0, time.Local)
	assert.Equal(t, "Mar  5 14:30", formatTime(thisYear))

	old := time.Date(2019, time.March, 5, 14, 30, 0, 0, time.Local)
	assert.Equal(t, "Mar  5  2019", formatTime(old))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", shortID("12345678-abcd-efgh"))
	assert.Equal(t, "short", shortID("short"))
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, []string{"NAME", "SIZE"}, [][]string{
		{"report.txt", "1.5 KB"},
		{"photo.jpg", "2.0 MB"},
	})

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "report.txt")
	assert.Contains(t, out, "2.0 MB")
}
