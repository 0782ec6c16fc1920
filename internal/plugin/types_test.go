package plugin

import (
	"strings"
	"testing"

	"github.com/relayhq/relay/internal/config"
)

func TestFromConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.PluginServerConfig
		wantErr string
	}{
		{
			"valid stdio",
			config.PluginServerConfig{Name: "weather", Transport: "stdio", Command: "weather-server"},
			"",
		},
		{
			"valid http",
			config.PluginServerConfig{Name: "notes", Transport: "http", URL: "https://notes.internal/rpc"},
			"",
		},
		{
			"missing name",
			config.PluginServerConfig{Transport: "stdio", Command: "x"},
			"name is required",
		},
		{
			"namespace separator in name",
			config.PluginServerConfig{Name: "bad__name", Transport: "stdio", Command: "x"},
			"must not contain",
		},
		{
			"unknown transport",
			config.PluginServerConfig{Name: "x", Transport: "carrier-pigeon"},
			"transport",
		},
		{
			"stdio without command",
			config.PluginServerConfig{Name: "x", Transport: "stdio"},
			"command is required",
		},
		{
			"shell metachars in command",
			config.PluginServerConfig{Name: "x", Transport: "stdio", Command: "server; rm -rf /"},
			"metacharacters",
		},
		{
			"shell metachars in args",
			config.PluginServerConfig{Name: "x", Transport: "stdio", Command: "server", Args: []string{"$(whoami)"}},
			"metacharacters",
		},
		{
			"relative workdir",
			config.PluginServerConfig{Name: "x", Transport: "stdio", Command: "server", WorkDir: "../tmp"},
			"workdir",
		},
		{
			"http without url",
			config.PluginServerConfig{Name: "x", Transport: "http"},
			"url is required",
		},
		{
			"http bad scheme",
			config.PluginServerConfig{Name: "x", Transport: "http", URL: "ftp://host"},
			"http or https",
		},
		{
			"watch on http",
			config.PluginServerConfig{Name: "x", Transport: "http", URL: "https://h/rpc", Watch: true},
			"watch",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("FromConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestCallToolResultText(t *testing.T) {
	res := &CallToolResult{Content: []ContentBlock{
		{Type: "text", Text: "line one"},
		{Type: "image"},
		{Type: "text", Text: "line two"},
	}}
	if got := res.Text(); got != "line one\nline two" {
		t.Errorf("Text() = %q", got)
	}
}
