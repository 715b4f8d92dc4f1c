package logging

import (
	"fmt"
	"path/filepath"
)

// GenerateLogrotateConfig creates a logrotate configuration for a component's logs
func GenerateLogrotateConfig(baseDir, component string) string {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	pattern := filepath.Join(baseDir, component, "*.log")

	return fmt.Sprintf(`# Logrotate configuration for backendpool %s
# Install: sudo cp this file to /etc/logrotate.d/backendpool-%s

%s {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty

    # workers keep their log files open for their whole life
    copytruncate
}
`, component, component, pattern)
}
