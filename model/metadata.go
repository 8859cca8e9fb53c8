package model

// Metadata is the structured analysis of a newsletter Message. It is created
// once per message and never updated. JSON names follow the analysis payload.
type Metadata struct {
	Model
	MessageID           uint64   `gorm:"not null;uniqueIndex" json:"message_id"`
	IsNewsletter        bool     `gorm:"not null" json:"isNewsletter"`
	NewsletterName      *string  `gorm:"type:varchar(255)" json:"newsletterName"`
	Theme               []string `gorm:"type:json;serializer:json;not null" json:"theme"`
	Tags                []string `gorm:"type:json;serializer:json;not null" json:"tags"`
	MainSubjectsTitle   []string `gorm:"type:json;serializer:json;not null" json:"mainSubjectsTitle"`
	OneResumeSentence   string   `gorm:"type:text;not null" json:"oneResumeSentence"`
	LongResume          string   `gorm:"type:text;not null" json:"longResume"`
	DifferentSubject    bool     `gorm:"not null" json:"differentSubject"`
	IsExplicitSponsored bool     `gorm:"not null" json:"isExplicitSponsored"`
	SponsorIfTrue       *string  `gorm:"type:varchar(255)" json:"sponsorIfTrue"`
	UnsubscribeLink     *string  `gorm:"type:text" json:"unsubscribeLink"`
	OtherLinks          []string `gorm:"type:json;serializer:json" json:"otherLinksMentionned"`
	Priority            int      `gorm:"not null" json:"priority"`
}

const (
	PriorityUrgent    = 1
	PriorityImportant = 2
	PriorityNormal    = 3
)

func (Metadata) TableName() string {
	return "metadata"
}
