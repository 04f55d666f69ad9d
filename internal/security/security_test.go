package security_test

import (
	"testing"

	"github.com/copyd/copyd/internal/security"
	"github.com/stretchr/testify/assert"
)

func TestValidatePathRejectsTraversal(t *testing.T) {
	v := security.New(security.DefaultConfig())
	assert.NoError(t, v.ValidatePath("/tmp/test.txt"))
	assert.Error(t, v.ValidatePath("/tmp/../etc/passwd"))
}

func TestValidatePathRejectsSystemDirectories(t *testing.T) {
	v := security.New(security.DefaultConfig())
	assert.Error(t, v.ValidatePath("/proc/version"))
	assert.Error(t, v.ValidatePath("/sys/class"))
	assert.NoError(t, v.ValidatePath("/home/user/file.txt"))
}

func TestValidatePathRejectsOverlong(t *testing.T) {
	cfg := security.DefaultConfig()
	cfg.MaxPathLength = 10
	v := security.New(cfg)
	assert.Error(t, v.ValidatePath("/this/path/is/definitely/too/long"))
}

func TestValidateExtensionRejectsBlocked(t *testing.T) {
	v := security.New(security.DefaultConfig())
	assert.NoError(t, v.ValidateExtension("report.txt"))
	assert.Error(t, v.ValidateExtension("payload.exe"))
	assert.Error(t, v.ValidateExtension("SETUP.EXE"))
}

func TestValidateSizeRejectsOverLimit(t *testing.T) {
	cfg := security.DefaultConfig()
	cfg.MaxFileSize = 100
	v := security.New(cfg)
	assert.NoError(t, v.ValidateSize("small.bin", 50))
	assert.Error(t, v.ValidateSize("big.bin", 1000))
}

func TestValidateOperationRejectsSameSourceDestination(t *testing.T) {
	v := security.New(security.DefaultConfig())
	err := v.ValidateOperation([]string{"/tmp/a"}, "/tmp/a")
	assert.Error(t, err)
}

func TestValidateOperationPassesForDistinctPaths(t *testing.T) {
	v := security.New(security.DefaultConfig())
	err := v.ValidateOperation([]string{"/tmp/a.txt", "/tmp/b.txt"}, "/tmp/dest")
	assert.NoError(t, err)
}
