// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates it with the configured TenantProvider, and stores the
// resulting TenantInfo in the Gin context for downstream handlers. The
// default NopTenantProvider accepts every request as the local tenant, so
// deployments without an identity provider keep working.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// tenantContextKey is the Gin context key holding TenantInfo.
const tenantContextKey = "nia.tenant"

// ErrInvalidToken rejects a bearer token the provider does not recognize.
var ErrInvalidToken = errors.New("invalid bearer token")

// TenantInfo identifies the caller for multi-tenant request handling.
type TenantInfo struct {
	// TenantID scopes sessions and use cases.
	TenantID string

	// Subject is the authenticated principal, when known.
	Subject string
}

// TenantProvider validates bearer tokens.
type TenantProvider interface {
	// Validate resolves a raw bearer token to tenant identity.
	Validate(ctx context.Context, token string) (*TenantInfo, error)
}

// NopTenantProvider authenticates everything as the local tenant. Used
// when no identity provider is configured.
type NopTenantProvider struct{}

var _ TenantProvider = NopTenantProvider{}

func (NopTenantProvider) Validate(context.Context, string) (*TenantInfo, error) {
	return &TenantInfo{TenantID: "local", Subject: "local-user"}, nil
}

// Auth validates the Authorization header and stores TenantInfo in the
// context. A missing header is passed to the provider as an empty token,
// letting the nop provider admit unauthenticated local traffic.
func Auth(provider TenantProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader("Authorization"); h != "" {
			if !strings.HasPrefix(h, "Bearer ") {
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					gin.H{"error": "malformed Authorization header"})
				return
			}
			token = strings.TrimPrefix(h, "Bearer ")
		}

		info, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "unauthorized"})
			return
		}
		c.Set(tenantContextKey, info)
		c.Next()
	}
}

// GetTenant returns the TenantInfo stored by Auth, or nil when the
// middleware did not run.
func GetTenant(c *gin.Context) *TenantInfo {
	v, ok := c.Get(tenantContextKey)
	if !ok {
		return nil
	}
	info, ok := v.(*TenantInfo)
	if !ok {
		return nil
	}
	return info
}
