// SPDX-License-Identifier: Apache-2.0

package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, ItemSuccess, ClassifyStatus(200))
	assert.Equal(t, ItemSuccess, ClassifyStatus(201))
	assert.Equal(t, ItemRetryable, ClassifyStatus(429))
	assert.Equal(t, ItemRetryable, ClassifyStatus(503))
	assert.Equal(t, ItemFatal, ClassifyStatus(400))
	assert.Equal(t, ItemFatal, ClassifyStatus(404))
}

func TestBulkResult_FailedAndAnyRetryable(t *testing.T) {
	result := BulkResult{Items: []ItemResult{
		{ID: "1", Status: ItemSuccess},
		{ID: "2", Status: ItemRetryable},
		{ID: "3", Status: ItemFatal},
	}}

	failed := result.Failed()
	require.Len(t, failed, 2)
	assert.True(t, result.AnyRetryable())
}

func TestBulkResult_AnyRetryable_False(t *testing.T) {
	result := BulkResult{Items: []ItemResult{{ID: "1", Status: ItemSuccess}, {ID: "2", Status: ItemFatal}}}
	assert.False(t, result.AnyRetryable())
}

func TestBulkResponse_ToResult(t *testing.T) {
	resp := bulkResponse{
		Errors: true,
		Items: []map[string]bulkItemResult{
			{"index": {ID: "9788374950978", Status: 200}},
			{"index": {ID: "9781471331435", Status: 429}},
			{"delete": {ID: "9785811243570", Status: 404, Error: []byte(`{"type":"not_found"}`)}},
		},
	}

	result := resp.toResult()
	require.Len(t, result.Items, 3)
	assert.Equal(t, ItemSuccess, result.Items[0].Status)
	assert.Equal(t, ItemRetryable, result.Items[1].Status)
	assert.Equal(t, ItemFatal, result.Items[2].Status)
	assert.Error(t, result.Items[2].Err)
}

func TestClassifyWholeRequestError(t *testing.T) {
	var retryable RetryableError
	require.ErrorAs(t, classifyWholeRequestError(503), &retryable)

	var fatal FatalError
	require.ErrorAs(t, classifyWholeRequestError(400), &fatal)
}
