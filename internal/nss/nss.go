// Package nss adapts keycloak lookups to the outcome codes a name service
// switch host expects: success, not found, unavailable and try again.
package nss

import (
	"fmt"
	"strings"
)

// Status is the outcome of a name service lookup.
type Status int

const (
	// Success means the record was found.
	Success Status = iota
	// NotFound means no record matches the key.
	NotFound
	// Unavail means the source answered but the answer could not be used.
	Unavail
	// TryAgain means the source is temporarily unreachable.
	TryAgain
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NotFound:
		return "notfound"
	case Unavail:
		return "unavail"
	case TryAgain:
		return "tryagain"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Response is a lookup outcome. Value is only meaningful on Success.
type Response[T any] struct {
	Status Status
	Value  T
}

// Passwd is one /etc/passwd entry.
type Passwd struct {
	Name   string `json:"name"`
	Passwd string `json:"passwd"`
	UID    uint32 `json:"uid"`
	GID    uint32 `json:"gid"`
	Gecos  string `json:"gecos"`
	Dir    string `json:"dir"`
	Shell  string `json:"shell"`
}

func (p Passwd) String() string {
	return fmt.Sprintf("%s:%s:%d:%d:%s:%s:%s", p.Name, p.Passwd, p.UID, p.GID, p.Gecos, p.Dir, p.Shell)
}

// Group is one /etc/group entry.
type Group struct {
	Name    string   `json:"name"`
	Passwd  string   `json:"passwd"`
	GID     uint32   `json:"gid"`
	Members []string `json:"members"`
}

func (g Group) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", g.Name, g.Passwd, g.GID, strings.Join(g.Members, ","))
}

// PasswdHooks answers passwd database queries.
type PasswdHooks interface {
	AllPasswd() Response[[]Passwd]
	PasswdByName(name string) Response[Passwd]
	PasswdByUID(uid uint32) Response[Passwd]
}

// GroupHooks answers group database queries.
type GroupHooks interface {
	AllGroups() Response[[]Group]
	GroupByName(name string) Response[Group]
	GroupByGID(gid uint32) Response[Group]
}
