package model

import "fmt"

// Account is a linked third-party mailbox. (OwnerID, Login, Host) is unique.
type Account struct {
	Model
	OwnerID  string `gorm:"type:varchar(64);not null;uniqueIndex:idx_account_identity,priority:1" json:"owner_id"`
	Name     string `gorm:"type:varchar(255);not null;default:''" json:"name"`
	Login    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_account_identity,priority:2" json:"login"`
	Password string `gorm:"type:varchar(255);not null" json:"-"`
	Host     string `gorm:"type:varchar(255);not null;uniqueIndex:idx_account_identity,priority:3" json:"host"`
	Port     int    `gorm:"not null" json:"port"`
	TLS      bool   `gorm:"not null" json:"tls"`
}

// ServerPort is Port, or the IMAP default for the TLS setting when unset.
func (a Account) ServerPort() int {
	if a.Port != 0 {
		return a.Port
	}
	if a.TLS {
		return 993
	}
	return 143
}

func (a Account) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.ServerPort())
}

func (a Account) String() string {
	return fmt.Sprintf("%s@%s (id=%d)", a.Login, a.Host, a.ID)
}
