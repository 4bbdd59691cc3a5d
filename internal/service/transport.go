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

package service

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/tools"
)

// The agent transport multiplexes tool calls over a line-delimited JSON
// stream on the standard streams. One request per line, one response per
// line. Responses to tool calls are serialized, the vault file watcher
// runs concurrently.

type transportRequest struct {
	ID   json.RawMessage `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type transportResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *tools.Error    `json:"error,omitempty"`
}

// startTransport consumes tool calls from stdin until EOF, EOF triggers a
// normal shutdown with exit code 0
func startTransport(s *Service) {
	go func() {
		runTransport(s.dispatcher, os.Stdin, os.Stdout)
		logger.Info(logSender, "", "transport closed, shutting down")
		s.Stop()
	}()
}

func runTransport(dispatcher *tools.Dispatcher, r io.Reader, w io.Writer) {
	var writeMu sync.Mutex
	encoder := json.NewEncoder(w)
	writeResponse := func(response *transportResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := encoder.Encode(response); err != nil {
			logger.Error(logSender, "", "unable to write transport response: %v", err)
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var request transportRequest
		if err := json.Unmarshal(line, &request); err != nil {
			logger.Warn(logSender, "", "malformed transport request: %v", err)
			writeResponse(&transportResponse{
				Error: &tools.Error{
					Category: "Validation",
					Message:  "malformed request",
				},
			})
			continue
		}
		result, toolErr := dispatcher.Dispatch(context.Background(), request.Tool, request.Args)
		response := &transportResponse{
			ID: request.ID,
		}
		if toolErr != nil {
			response.Error = toolErr
		} else {
			response.Result = result
		}
		writeResponse(response)
	}
	if err := scanner.Err(); err != nil {
		logger.Error(logSender, "", "transport read error: %v", err)
	}
}
