// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EmployeeClaims are the identity claims carried in a caller's bearer
// token. They seed the session's slots so specialists can personalize
// replies and restrict actions by role.
type EmployeeClaims struct {
	EmployeeID string `json:"emp_id"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens and maps them to identity slots.
type Authenticator struct {
	secret   []byte
	required bool
}

// NewAuthenticator creates a token verifier. With an empty secret,
// authentication is disabled and every request is treated as anonymous.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), required: secret != ""}
}

// Enabled reports whether bearer tokens are verified.
func (a *Authenticator) Enabled() bool { return a.required }

// Verify parses and validates a bearer token and returns the employee
// claims.
func (a *Authenticator) Verify(tokenString string) (*EmployeeClaims, error) {
	if !a.required {
		return nil, errors.New("authentication is not configured")
	}

	claims := &EmployeeClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.EmployeeID == "" {
		return nil, errors.New("token is missing the employee id claim")
	}
	return claims, nil
}

// IdentitySlots renders the claims as session slots.
func (c *EmployeeClaims) IdentitySlots() map[string]string {
	slots := map[string]string{"employee_id": c.EmployeeID}
	if c.Name != "" {
		slots["employee_name"] = c.Name
	}
	if c.Department != "" {
		slots["department"] = c.Department
	}
	if c.Role != "" {
		slots["role"] = c.Role
	}
	return slots
}
