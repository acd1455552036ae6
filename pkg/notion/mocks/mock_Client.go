// Package mocks provides test doubles for the notion client.
package mocks

import (
	"context"

	"github.com/jomei/notionapi"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the notion.Client interface.
type MockClient struct {
	mock.Mock
}

// QueryDatabase provides a mock function with given fields: ctx, dbID, req
func (_m *MockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	ret := _m.Called(ctx, dbID, req)

	var r0 *notionapi.DatabaseQueryResponse
	if rf, ok := ret.Get(0).(func(context.Context, string, *notionapi.DatabaseQueryRequest) *notionapi.DatabaseQueryResponse); ok {
		r0 = rf(ctx, dbID, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*notionapi.DatabaseQueryResponse)
	}
	return r0, ret.Error(1)
}

// CreatePage provides a mock function with given fields: ctx, req
func (_m *MockClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	ret := _m.Called(ctx, req)

	var r0 *notionapi.Page
	if rf, ok := ret.Get(0).(func(context.Context, *notionapi.PageCreateRequest) *notionapi.Page); ok {
		r0 = rf(ctx, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*notionapi.Page)
	}
	return r0, ret.Error(1)
}

// NewMockClient creates a MockClient and registers expectation assertions
// on test cleanup.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
