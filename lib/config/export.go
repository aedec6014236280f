// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"strings"

	"git.arvados.org/jobexec.git/sdk/go/jobexec"
)

// secretKeys lists config entries whose values must not be shown
// by config-dump unless -include-secrets is given.
var secretKeys = map[string]bool{
	"ManagementToken":            true,
	"Credentials.StoreDSN":       true,
	"Credentials.DefaultTokenID": true,
	"Output.S3.AccessKeyID":      true,
	"Output.S3.SecretAccessKey":  true,
	"Cloud.DriverParameters":     true,
	"Cloud.SSHPrivateKey":        true,
}

// Redacted returns a generic representation of cfg with secret
// values replaced by "xxxxx". Secrets that are not set are left
// empty, so the output still shows whether they are configured.
func Redacted(cfg *jobexec.Config) (map[string]interface{}, error) {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	err = json.Unmarshal(buf, &m)
	if err != nil {
		return nil, err
	}
	redact(m, "")
	return m, nil
}

func redact(m map[string]interface{}, prefix string) {
	for k, v := range m {
		path := strings.TrimPrefix(prefix+"."+k, ".")
		if secretKeys[path] {
			switch v := v.(type) {
			case string:
				if v != "" {
					m[k] = "xxxxx"
				}
			case map[string]interface{}:
				if len(v) > 0 {
					m[k] = "xxxxx"
				}
			case nil:
			default:
				m[k] = "xxxxx"
			}
			continue
		}
		if sub, ok := v.(map[string]interface{}); ok {
			redact(sub, path)
		}
	}
}
