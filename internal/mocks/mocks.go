// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/controlplane"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/orchestrator"
)

// -- Control Plane Mocks --

// MockSessionUpdater mocks orchestrator.SessionUpdater.
type MockSessionUpdater struct {
	mock.Mock
}

func (m *MockSessionUpdater) Update(ctx context.Context, sessionID string, caps capabilities.Bag, body controlplane.UpdateBody) error {
	args := m.Called(ctx, sessionID, caps, body)
	return args.Error(0)
}

func (m *MockSessionUpdater) SessionURL(ctx context.Context, sessionID string, caps capabilities.Bag) (string, error) {
	args := m.Called(ctx, sessionID, caps)
	return args.String(0), args.Error(1)
}

// MockRecorder mocks controlplane.Recorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, rec controlplane.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// -- Handler Mock --

// MockHandler mocks orchestrator.Handler.
type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockHandler) HandleEvent(ctx context.Context, b driver.Browser, ev driver.Event) error {
	args := m.Called(ctx, b, ev)
	return args.Error(0)
}

func (m *MockHandler) HandleLifecycle(ctx context.Context, b driver.Browser, lc orchestrator.Lifecycle) error {
	args := m.Called(ctx, b, lc)
	return args.Error(0)
}

// -- Messaging Mock --

// MockPublisher mocks telemetry.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

var (
	_ orchestrator.SessionUpdater = (*MockSessionUpdater)(nil)
	_ orchestrator.Handler        = (*MockHandler)(nil)
	_ controlplane.Recorder       = (*MockRecorder)(nil)
)
