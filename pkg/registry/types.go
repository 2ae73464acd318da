package registry

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Permission is the caller's effective access level on a repository.
type Permission string

const (
	PermissionNone  Permission = "none"
	PermissionPull  Permission = "pull"
	PermissionPush  Permission = "push"
	PermissionAdmin Permission = "admin"
)

// Repository is a named collection of tagged images.
type Repository struct {
	Name        string     `json:"name"`
	Tags        int        `json:"tags"`
	Permissions Permission `json:"permissions"`
}

// Layer is one ordered filesystem delta in an image's layer stack,
// stored as a compressed archive blob addressed by digest.
type Layer struct {
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	MediaType string        `json:"mediaType,omitempty"`
}

// History describes how one layer was produced.
type History struct {
	Created   time.Time `json:"created"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

// Platform identifies the OS/architecture an image was built for.
type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	OSVersion    string `json:"osVersion,omitempty"`
}

// Image is the normalized model derived from exactly one thin manifest
// and its config blob. Layers run bottom-to-top: index 0 is the base.
// History holds one entry per layer, in matching order.
type Image struct {
	Digest   digest.Digest `json:"digest"`
	Layers   []Layer       `json:"layers"`
	History  []History     `json:"history"`
	Platform Platform      `json:"platform"`
}

// Created returns the most recent history timestamp of the image.
func (i Image) Created() time.Time {
	var latest time.Time
	for _, h := range i.History {
		if h.Created.After(latest) {
			latest = h.Created
		}
	}
	return latest
}

// ImageSet groups the images sharing one tag. Multi-platform tags carry
// one image per platform; single-platform tags carry exactly one. The
// set digest is the fat manifest's digest, or the lone image's digest
// when no fat manifest exists.
type ImageSet struct {
	Date      time.Time     `json:"date"`
	Images    []Image       `json:"images"`
	Platforms []Platform    `json:"platforms"`
	SetDigest digest.Digest `json:"setDigest"`
}

// LayerProxyInfo is a fetchable location for one layer blob, used by the
// scan orchestrator to hand a registry URL to the scan backend without
// transferring the bytes through this process.
type LayerProxyInfo struct {
	URL           string `json:"url"`
	Authorization string `json:"authorization,omitempty"`
}
