package server

import (
	"fmt"

	"github.com/copyd/copyd/internal/job"
)

func jobFromRequest(r *createJobRequest) (*job.Job, *job.Error) {
	if len(r.Sources) == 0 {
		return nil, job.NewError(job.KindInvalidRequest, "create_job", "", fmt.Errorf("sources must not be empty"))
	}
	if r.Destination == "" {
		return nil, job.NewError(job.KindInvalidRequest, "create_job", "", fmt.Errorf("destination is required"))
	}

	verify, err := parseVerify(r.Verify)
	if err != nil {
		return nil, err
	}
	collision, err := parseCollision(r.Collision)
	if err != nil {
		return nil, err
	}
	engine, err := parseEngine(r.Engine)
	if err != nil {
		return nil, err
	}

	j := job.New(append([]string(nil), r.Sources...), r.Destination)
	j.Recursive = r.Recursive
	j.Metadata = job.MetadataFlags{
		Mode:      r.Metadata.Mode,
		Ownership: r.Metadata.Ownership,
		Times:     r.Metadata.Times,
		HardLinks: r.Metadata.HardLinks,
		Sparse:    r.Metadata.Sparse,
		Xattrs:    r.Metadata.Xattrs,
		Special:   r.Metadata.Special,
		OneFS:     r.Metadata.OneFS,
	}
	j.Verify = verify
	j.Collision = collision
	j.Priority = r.Priority
	j.MaxRateBps = r.MaxRateBps
	j.Engine = engine
	j.DryRun = r.DryRun
	if r.Rename != nil {
		j.Rename = &job.RenameRule{Pattern: r.Rename.Pattern, Replacement: r.Rename.Replacement}
	}
	if r.ChunkSize > 0 {
		j.ChunkSize = r.ChunkSize
	}
	j.Compress = r.Compress
	j.Encrypt = r.Encrypt
	j.CleanupOnCancel = r.CleanupOnCancel

	return j, nil
}

func parseVerify(s string) (job.VerifyMode, *job.Error) {
	switch s {
	case "", "none":
		return job.VerifyNone, nil
	case "size":
		return job.VerifySize, nil
	case "md5":
		return job.VerifyMD5, nil
	case "sha256":
		return job.VerifySHA256, nil
	default:
		return 0, job.NewError(job.KindInvalidRequest, "create_job", "", fmt.Errorf("unknown verify mode %q", s))
	}
}

func parseCollision(s string) (job.CollisionPolicy, *job.Error) {
	switch s {
	case "", "overwrite":
		return job.Overwrite, nil
	case "skip":
		return job.Skip, nil
	case "serial":
		return job.Serial, nil
	default:
		return 0, job.NewError(job.KindInvalidRequest, "create_job", "", fmt.Errorf("unknown collision policy %q", s))
	}
}

func parseEngine(s string) (job.EngineKind, *job.Error) {
	switch s {
	case "", "auto":
		return job.Auto, nil
	case "reflink":
		return job.Reflink, nil
	case "copy_file_range":
		return job.CopyFileRange, nil
	case "io_uring":
		return job.IOURing, nil
	case "sendfile":
		return job.Sendfile, nil
	case "read_write":
		return job.ReadWrite, nil
	default:
		return 0, job.NewError(job.KindInvalidRequest, "create_job", "", fmt.Errorf("unknown engine %q", s))
	}
}
