package snapshot

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/zerr"
)

const (
	passwdFile   = "/etc/passwd"
	groupFile    = "/etc/group"
	sudoersDir   = "/etc/sudoers.d"
	defaultShell = "/bin/sh"

	rootPasswd = "root:x:0:0:root:/root:/bin/sh\n"
	rootGroup  = "root:x:0:\n"
	sudoPerm   = 0o440
)

// createUser adds the user and a matching group to the stage's account databases
// and creates its home directory.
func (b *Backend) createUser(st *stageState, in domain.CreateUser) error {
	shell := in.Shell
	if shell == "" {
		shell = defaultShell
	}

	passwd := fmt.Sprintf("%s:x:%d:%d::%s:%s\n", in.Name, in.UID, in.GID, in.Home, shell)
	if err := appendAccount(st.rootfs, passwdFile, rootPasswd, in.Name, passwd); err != nil {
		return err
	}
	group := fmt.Sprintf("%s:x:%d:\n", in.Name, in.GID)
	if err := appendAccount(st.rootfs, groupFile, rootGroup, in.Name, group); err != nil {
		return err
	}

	if in.Home != "" {
		if err := b.mkdir(st, in.Home, in.Name); err != nil {
			return err
		}
	}

	if in.Sudo {
		if err := writeRootFile(st.rootfs, sudoersDir+"/"+in.Name, sudoers(in), sudoPerm); err != nil {
			return errors.Join(domain.ErrInstructionFailed, err)
		}
	}
	return nil
}

func sudoers(in domain.CreateUser) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s ALL=(ALL) NOPASSWD:ALL\n", in.Name)
	for _, key := range in.PreserveEnv {
		fmt.Fprintf(&sb, "Defaults:%s env_keep += \"%s\"\n", in.Name, key)
	}
	return sb.String()
}

// appendAccount appends entry to an account database, seeding it with the root entry.
// An existing entry with the same name is an error.
func appendAccount(rootfs, file, seed, name, entry string) error {
	path := within(rootfs, file)
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the stage root
	if err != nil {
		if !os.IsNotExist(err) {
			return zerr.With(errors.Join(domain.ErrInstructionFailed, err), "path", file)
		}
		data = []byte(seed)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if existing, _, _ := strings.Cut(scanner.Text(), ":"); existing == name {
			err := zerr.With(domain.Annotate(domain.ErrInstructionFailed, "user", name), "path", file)
			return zerr.With(err, "reason", "account already exists")
		}
	}

	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\n')
	}
	data = append(data, entry...)
	if err := writeRootFile(rootfs, file, string(data), domain.FilePerm); err != nil {
		return errors.Join(domain.ErrInstructionFailed, err)
	}
	return nil
}
