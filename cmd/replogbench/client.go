package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replog/pkg/member"
)

var errNotFound = errors.New("key not found")

type client struct {
	baseURL string
	http    *http.Client
}

// Followers answer writes with 307, which the default redirect policy
// follows with the body replayed.
func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) health() error {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return err
	}
	return drain(resp, http.StatusOK)
}

func (c *client) put(key, value string) error {
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)

	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/api/kv", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, http.StatusOK)
}

func (c *client) delete(key string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/kv?key="+url.QueryEscape(key), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK)
}

func (c *client) get(key string) error {
	resp, err := c.http.Get(c.baseURL + "/api/kv?key=" + url.QueryEscape(key))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = drain(resp, http.StatusNotFound)
		return errNotFound
	}
	return drain(resp, http.StatusOK)
}

func (c *client) status() (member.Status, error) {
	var st member.Status
	resp, err := c.http.Get(c.baseURL + "/api/log")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func (c *client) do(req *http.Request, want int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return drain(resp, want)
}

func drain(resp *http.Response, want int) error {
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != want {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
