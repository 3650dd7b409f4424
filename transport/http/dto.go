package http

import (
	"encoding/json"
	"time"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/service"
)

type challengeDTO struct {
	ID        string    `json:"id"`
	Nonce     string    `json:"nonce"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type startResponse struct {
	CeremonyID string          `json:"ceremonyId"`
	Challenge  challengeDTO    `json:"challenge"`
	Options    json.RawMessage `json:"ceremonyOptions"`
}

type sessionDTO struct {
	Token             string    `json:"token"`
	UserID            string    `json:"userId"`
	IssuedAt          time.Time `json:"issuedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	LastUsedAt        time.Time `json:"lastUsedAt"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
}

type userDTO struct {
	ID          string    `json:"id"`
	DID         string    `json:"did"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type grantResponse struct {
	Action  core.Action `json:"action"`
	Session sessionDTO  `json:"session"`
	User    userDTO     `json:"user"`
}

type ceremonyStatusResponse struct {
	CeremonyID string `json:"ceremonyId"`
	State      string `json:"state"`
	Purpose    string `json:"purpose"`
	Failure    string `json:"failure,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Stage string `json:"stage,omitempty"`
}

func newStartResponse(r *service.StartResult) startResponse {
	return startResponse{
		CeremonyID: r.CeremonyID,
		Challenge: challengeDTO{
			ID:        r.Challenge.ID,
			Nonce:     r.Challenge.Nonce,
			Purpose:   string(r.Challenge.Purpose),
			ExpiresAt: r.Challenge.ExpiresAt,
		},
		Options: r.Options,
	}
}

func newSessionDTO(s *core.Session) sessionDTO {
	return sessionDTO{
		Token:             s.Token,
		UserID:            s.UserID,
		IssuedAt:          s.IssuedAt,
		ExpiresAt:         s.ExpiresAt,
		LastUsedAt:        s.LastUsedAt,
		DeviceFingerprint: s.DeviceFingerprint,
	}
}

func newUserDTO(u *core.User) userDTO {
	return userDTO{
		ID:          u.ID,
		DID:         u.DID,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}
