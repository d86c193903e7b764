// Package mocks provides gomock implementations of the interfaces the engine
// and authority depend on.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	transport := mocks.NewMockTransport(ctrl)
//	transport.EXPECT().RoundTrip(gomock.Any(), gomock.Any()).Return(resp, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=transport_mock.go github.com/jmcleod/rbacaccel/accel Transport
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=session_store_mock.go github.com/jmcleod/rbacaccel/authority SessionStore
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=evaluator_mock.go github.com/jmcleod/rbacaccel/authority Evaluator
