package execution

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/geneflow/geneflow-go/internal/errdefs"
)

var sgeTransient = []string{
	"unable to contact qmaster",
	"commlib error",
	"can't connect",
	"failed receiving gdi request",
	"got send error",
}

// qacct reports unknown ids until the accounting record is written
var qacctTransient = append(append([]string{}, sgeTransient...), "not found")

type sge struct{}

func (sge) name() string { return "sge" }

func (s sge) submit(ctx context.Context, r CommandRunner, cfg GridConfig, spec Spec, script string) (string, error) {
	args := []string{
		"-terse",
		"-b", "y",
		"-N", spec.Name(),
		"-wd", spec.WorkDir,
	}
	if spec.Stdout != "" {
		args = append(args, "-o", spec.Stdout)
	}
	if spec.Stderr != "" {
		args = append(args, "-e", spec.Stderr)
	}
	if q := gridParam(spec, "queue", cfg.Queue); q != "" {
		args = append(args, "-q", q)
	}
	if slots := gridParam(spec, "slots", ""); slots != "" {
		args = append(args, "-pe", "smp", slots)
	}
	if mem := gridParam(spec, "mem", ""); mem != "" {
		args = append(args, "-l", "h_vmem="+mem)
	}
	args = append(args, cfg.ExtraArgs...)
	args = append(args, "/bin/sh", script)

	stdout, stderr, err := r.Run(ctx, "qsub", args...)
	if err != nil {
		return "", classify(s.name(), "submit", stderr, err, sgeTransient)
	}
	// array jobs print "id.range"
	id := strings.TrimSpace(strings.SplitN(string(stdout), ".", 2)[0])
	if id == "" {
		return "", errdefs.Fatal(s.name(), "submit", errors.New("qsub returned no job id"))
	}
	return id, nil
}

func (s sge) poll(ctx context.Context, r CommandRunner, id string) (Status, error) {
	_, stderr, err := r.Run(ctx, "qstat", "-j", id)
	if err == nil {
		return Status{State: StateRunning}, nil
	}
	if !strings.Contains(strings.ToLower(string(stderr)), "do not exist") {
		return Status{}, classify(s.name(), "poll", stderr, err, sgeTransient)
	}

	stdout, stderr, err := r.Run(ctx, "qacct", "-j", id)
	if err != nil {
		return Status{}, classify(s.name(), "poll", stderr, err, qacctTransient)
	}
	record := parseQacct(stdout)

	code, _ := strconv.Atoi(record["exit_status"])
	failed := strings.Fields(record["failed"])
	if len(failed) > 0 && failed[0] != "0" {
		return Status{State: StateFailed, ExitCode: code, Message: "sge failed: " + record["failed"]}, nil
	}
	if code != 0 {
		return Status{State: StateFailed, ExitCode: code, Message: fmt.Sprintf("exited with code %d", code)}, nil
	}
	return Status{State: StateFinished}, nil
}

func (s sge) cancel(ctx context.Context, r CommandRunner, id string) error {
	if _, stderr, err := r.Run(ctx, "qdel", id); err != nil {
		return classify(s.name(), "cancel", stderr, err, sgeTransient)
	}
	return nil
}

// parseQacct reads "key   value" lines into a map
func parseQacct(out []byte) map[string]string {
	record := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		record[fields[0]] = strings.Join(fields[1:], " ")
	}
	return record
}
