package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by every store lookup or single-row mutation whose
// target row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique key (username, tag title) is taken.
var ErrConflict = errors.New("conflict")

// Article is one note in the hierarchy. ParentChain lists ancestor ids,
// root first, excluding the article itself; it is empty only for the root.
type Article struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	CreateTime  int64    `json:"createTime"`
	UpdateTime  int64    `json:"updateTime"`
	Favorite    bool     `json:"favorite"`
	ParentChain []string `json:"parentChain"`
	RelatedIDs  []string `json:"relatedIds"`
	TagIDs      []string `json:"tagIds"`
}

// ParentID returns the immediate parent id, or "" for the root.
func (a Article) ParentID() string {
	if len(a.ParentChain) == 0 {
		return ""
	}
	return a.ParentChain[len(a.ParentChain)-1]
}

// ArticlePatch is a partial update; nil fields are left untouched.
// UpdateTime is always written.
type ArticlePatch struct {
	Title       *string
	Content     *string
	Favorite    *bool
	TagIDs      *[]string
	RelatedIDs  *[]string
	ParentChain *[]string
	UpdateTime  int64
}

const DefaultTagGroup = "default"

type Tag struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Color     string    `json:"color"`
	GroupID   string    `json:"groupId"`
	CreatedAt time.Time `json:"createdAt"`
}

type TagGroup struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Invite struct {
	Code      string     `json:"code"`
	Role      string     `json:"role"`
	Email     string     `json:"email,omitempty"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedBy    string     `json:"usedBy,omitempty"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
