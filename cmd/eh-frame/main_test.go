// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCommandReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- runCommand(ctx, func() error {
			<-release
			return nil
		})
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("command was not interrupted")
	}
}

func TestRunCommandReturnsResult(t *testing.T) {
	errFailed := errors.New("failed")
	require.ErrorIs(t, runCommand(context.Background(), func() error { return errFailed }), errFailed)
	require.NoError(t, runCommand(context.Background(), func() error { return nil }))
}

func TestParseAddress(t *testing.T) {
	for _, s := range []string{"401000", "0x401000", "0X401000"} {
		addr, err := parseAddress(s)
		require.NoError(t, err)
		require.Equal(t, uint64(0x401000), addr)
	}
	_, err := parseAddress("xyz")
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, summarize(&buf, 1, "0", "0x3"))
	require.Equal(t, "addr: 0x0 prefix_len: 62 key: 5e000000010000000000000000000000\n", buf.String())
}
