package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_Find(t *testing.T) {
	tree := New[string]()
	require.NoError(t, tree.Add("GET", "/", "root"))
	require.NoError(t, tree.Add("GET", "/hello", "hello"))
	require.NoError(t, tree.Add("GET", "/hello/world", "world"))
	require.NoError(t, tree.Add("GET", "/user/admin", "admin"))
	require.NoError(t, tree.Add("GET", "/user/:id", "user"))
	require.NoError(t, tree.Add("POST", "/user/:id", "update"))
	require.NoError(t, tree.Add("GET", "/user/:id/posts/:post", "post"))
	require.NoError(t, tree.Add("GET", "/static/*file", "static"))

	testCases := []struct {
		name    string
		method  string
		path    string
		handler string
		params  Params
		found   bool
	}{
		{name: "root", method: "GET", path: "/", handler: "root", found: true},
		{name: "static path", method: "GET", path: "/hello", handler: "hello", found: true},
		{name: "nested static path", method: "GET", path: "/hello/world", handler: "world", found: true},
		{name: "static before param", method: "GET", path: "/user/admin", handler: "admin", found: true},
		{name: "param", method: "GET", path: "/user/42", handler: "user", params: Params{{Key: "id", Value: "42"}}, found: true},
		{name: "param by method", method: "POST", path: "/user/42", handler: "update", params: Params{{Key: "id", Value: "42"}}, found: true},
		{
			name:    "two params",
			method:  "GET",
			path:    "/user/42/posts/7",
			handler: "post",
			params:  Params{{Key: "id", Value: "42"}, {Key: "post", Value: "7"}},
			found:   true,
		},
		{name: "catch-all", method: "GET", path: "/static/css/site.css", handler: "static", params: Params{{Key: "file", Value: "css/site.css"}}, found: true},
		{name: "unknown path", method: "GET", path: "/nope"},
		{name: "unknown method", method: "DELETE", path: "/hello"},
		{name: "empty param", method: "GET", path: "/user/"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h, params, found := tree.Find(testCase.method, testCase.path)
			assert.Equal(t, testCase.found, found)
			assert.Equal(t, testCase.handler, h)
			assert.Equal(t, testCase.params, params)
		})
	}

	t.Run("will list allowed methods", func(t *testing.T) {
		assert.Equal(t, []string{"GET", "POST"}, tree.Allowed("/user/1"))
		assert.Nil(t, tree.Allowed("/nope"))
	})
}

func TestTree_Add(t *testing.T) {
	t.Run("will reject", func(t *testing.T) {
		testCases := []struct {
			name    string
			pattern string
			err     error
		}{
			{name: "a relative pattern", pattern: "user", err: ErrInvalidPattern},
			{name: "an unnamed parameter", pattern: "/user/:", err: ErrInvalidPattern},
			{name: "a catch-all in the middle", pattern: "/files/*rest/more", err: ErrInvalidPattern},
			{name: "a conflicting parameter name", pattern: "/user/:name", err: ErrInvalidPattern},
			{name: "a duplicate route", pattern: "/user/:id", err: ErrDuplicateRoute},
		}

		for _, testCase := range testCases {
			t.Run(testCase.name, func(t *testing.T) {
				tree := New[int]()
				require.NoError(t, tree.Add("GET", "/user/:id", 1))

				assert.ErrorIs(t, tree.Add("GET", testCase.pattern, 2), testCase.err)
			})
		}
	})
}

func BenchmarkTree_FindParam(b *testing.B) {
	tree := New[int]()
	_ = tree.Add("GET", "/user/:id", 1)

	b.ResetTimer()
	for range b.N {
		tree.Find("GET", "/user/123")
	}
}
