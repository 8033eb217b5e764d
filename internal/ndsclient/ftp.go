package ndsclient

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
	"github.com/gaby/ndsfabric/internal/pipelineerr"
	"github.com/gaby/ndsfabric/internal/zipcd"
)

const module = "ndsclient"

// ftpClient implements Client over github.com/jlaffaye/ftp, grounded on the
// connect/auth/liveness shape of the teacher's nntp.Client.
type ftpClient struct {
	conn *ftp.ServerConn
	cfg  Config
}

func dialFTP(ctx context.Context, cfg Config) (Client, error) {
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(cfg.Timeout),
		ftp.DialWithContext(ctx),
	}
	conn, err := ftp.Dial(cfg.addr(), opts...)
	if err != nil {
		return nil, pipelineerr.New(pipelineerr.KindConnectFailed, module, "ftp dial failed", pipelineerr.LevelWarn, err)
	}
	if cfg.User != "" {
		if err := conn.Login(cfg.User, cfg.Pass); err != nil {
			_ = conn.Quit()
			return nil, pipelineerr.New(pipelineerr.KindConnectFailed, module, "ftp login failed", pipelineerr.LevelWarn, err)
		}
	}
	return &ftpClient{conn: conn, cfg: cfg}, nil
}

// CheckAlive issues NOOP, mirroring the teacher's Noop()-as-liveness-probe.
func (c *ftpClient) CheckAlive(ctx context.Context) error {
	if err := c.conn.NoOp(); err != nil {
		return pipelineerr.New(pipelineerr.KindConnectFailed, module, "ftp noop failed", pipelineerr.LevelWarn, err)
	}
	return nil
}

func (c *ftpClient) Close() error {
	return c.conn.Quit()
}

// ListRecursive walks path breadth-first using an explicit directory
// worklist (the server's LIST capability handles one directory at a time;
// there is no recursive LIST primitive in jlaffaye/ftp), matching filter as
// a regex against each entry's full path per §4.1.
func (c *ftpClient) ListRecursive(ctx context.Context, root string, filter string) ([]string, error) {
	re, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	var out []string
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		entries, err := c.conn.List(dir)
		if err != nil {
			return nil, pipelineerr.New(pipelineerr.KindTransient, module, fmt.Sprintf("list %s failed", dir), pipelineerr.LevelWarn, err)
		}
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			full := path.Join(dir, e.Name)
			switch e.Type {
			case ftp.EntryTypeFolder:
				queue = append(queue, full)
			case ftp.EntryTypeFile:
				if re == nil || re.MatchString(full) {
					out = append(out, full)
				}
			}
		}
	}
	return out, nil
}

func (c *ftpClient) Stat(ctx context.Context, filePath string) (FileStat, error) {
	size, err := c.conn.FileSize(filePath)
	if err != nil {
		return FileStat{}, pipelineerr.New(pipelineerr.KindSourceMissing, module, "stat failed", pipelineerr.LevelInfo, err)
	}
	mtime, err := c.conn.GetTime(filePath)
	if err != nil {
		mtime = time.Time{}
	}
	return FileStat{Size: size, MTime: mtime}, nil
}

// ReadRange issues REST+RETR to fetch exactly [offset, offset+length).
func (c *ftpClient) ReadRange(ctx context.Context, filePath string, offset, length int64) ([]byte, error) {
	resp, err := c.conn.RetrFrom(filePath, uint64(offset))
	if err != nil {
		return nil, pipelineerr.New(pipelineerr.KindSourceMissing, module, "retr failed", pipelineerr.LevelWarn, err)
	}
	defer resp.Close()
	buf := make([]byte, length)
	n, err := io.ReadFull(resp, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, pipelineerr.New(pipelineerr.KindTransient, module, "read range short", pipelineerr.LevelWarn, err)
	}
	return buf[:n], nil
}

// ParseZipCentralDirectory fetches the tail of the archive (and, when it has
// members, the first local header at the front) and delegates to zipcd per
// §4.1.
func (c *ftpClient) ParseZipCentralDirectory(ctx context.Context, filePath string) (*ndsmodel.ArchiveInfo, error) {
	st, err := c.Stat(ctx, filePath)
	if err != nil {
		return nil, err
	}
	return zipcd.Parse(ctx, filePath, st.Size, func(off, length int64) ([]byte, error) {
		return c.ReadRange(ctx, filePath, off, length)
	})
}
