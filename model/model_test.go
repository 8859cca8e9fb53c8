package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payloadFields = []string{
	"isNewsletter", "newsletterName", "theme", "tags", "mainSubjectsTitle",
	"oneResumeSentence", "longResume", "differentSubject", "isExplicitSponsored",
	"sponsorIfTrue", "unsubscribeLink", "otherLinksMentionned", "priority",
}

func TestMetadataRoundTripKeepsOptionalFieldsAsNull(t *testing.T) {
	payload := `{
		"isNewsletter": true,
		"theme": ["tech"],
		"tags": ["go", "imap"],
		"mainSubjectsTitle": ["Release notes"],
		"oneResumeSentence": "Go 1.24 is out.",
		"longResume": "A longer summary.",
		"differentSubject": false,
		"isExplicitSponsored": false,
		"priority": 3
	}`

	var md Metadata
	require.NoError(t, json.Unmarshal([]byte(payload), &md))

	out, err := json.Marshal(md)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	for _, name := range payloadFields {
		require.Contains(t, fields, name)
	}
	assert.Nil(t, fields["newsletterName"])
	assert.Nil(t, fields["sponsorIfTrue"])
	assert.Nil(t, fields["unsubscribeLink"])
	assert.Nil(t, fields["otherLinksMentionned"])
	assert.Equal(t, true, fields["isNewsletter"])
	assert.Equal(t, float64(3), fields["priority"])
	assert.Equal(t, []any{"go", "imap"}, fields["tags"])
}

func TestAccountAddressDefaultsPort(t *testing.T) {
	assert.Equal(t, "imap.x.com:993", Account{Host: "imap.x.com", TLS: true}.Address())
	assert.Equal(t, "imap.x.com:143", Account{Host: "imap.x.com"}.Address())
	assert.Equal(t, "imap.x.com:1993", Account{Host: "imap.x.com", Port: 1993, TLS: true}.Address())
}

func TestMessageEmpty(t *testing.T) {
	assert.True(t, (&Message{}).Empty())
	assert.False(t, (&Message{Body: "hi"}).Empty())
	assert.False(t, (&Message{Subject: "hi"}).Empty())
}
