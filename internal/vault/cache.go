// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package vault

import (
	"github.com/google/uuid"

	"github.com/passman/passman/internal/kms"
	"github.com/passman/passman/internal/util"
)

// secretCache holds the derived key and the lazily decrypted secret
// payloads while the vault is unlocked. It is the only component that
// hands out clear secret material, and only to in-process callers.
// Every buffer is overwritten on wipe
type secretCache struct {
	key      *kms.MasterKey
	payloads map[uuid.UUID][]byte
}

func newSecretCache(key *kms.MasterKey) *secretCache {
	return &secretCache{
		key:      key,
		payloads: make(map[uuid.UUID][]byte),
	}
}

func (c *secretCache) get(id uuid.UUID) ([]byte, bool) {
	payload, ok := c.payloads[id]
	return payload, ok
}

func (c *secretCache) put(id uuid.UUID, payload []byte) {
	c.payloads[id] = payload
}

func (c *secretCache) forget(id uuid.UUID) {
	if payload, ok := c.payloads[id]; ok {
		util.MemsetZero(payload)
		delete(c.payloads, id)
	}
}

// wipe zeroes the key buffer and every cached payload
func (c *secretCache) wipe() {
	c.key.Zero()
	for id, payload := range c.payloads {
		util.MemsetZero(payload)
		delete(c.payloads, id)
	}
}
