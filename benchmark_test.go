package mergefs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
)

func BenchmarkResolve(b *testing.B) {
	mt := NewMountTable()
	mt.Mount("/", newMockFS())
	for i := 0; i < 32; i++ {
		mt.Mount(fmt.Sprintf("/mnt/disk%02d", i), newMockFS())
	}

	paths := []string{"/", "/etc/hosts", "/mnt/disk07/a/b/c.txt", "/mnt/disk31/x", "/mnt/disk3"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := mt.Resolve(paths[i%len(paths)]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStream(b *testing.B) {
	ctx := context.Background()
	chunk := strings.Repeat("Hello, World! ", 100)

	for _, size := range []int{64, 4096, 65536} {
		b.Run(fmt.Sprintf("write_buffer_%d", size), func(b *testing.B) {
			fsys := newMockFS()
			f, _ := fsys.File("/bench.txt")
			b.SetBytes(int64(len(chunk)))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				s := NewStream(f, WithBufferSize(size))
				if err := s.Open(ctx, "w"); err != nil {
					b.Fatal(err)
				}
				for j := 0; j < 8; j++ {
					io.WriteString(s, chunk)
				}
				s.Close()
			}
		})
	}

	b.Run("read", func(b *testing.B) {
		fsys := newMockFS()
		f, _ := fsys.File("/bench.txt")
		f.SetContents(ctx, []byte(strings.Repeat(chunk, 8)))
		b.SetBytes(int64(len(chunk) * 8))
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			s := NewStream(f)
			if err := s.Open(ctx, "r"); err != nil {
				b.Fatal(err)
			}
			io.Copy(io.Discard, s)
			s.Close()
		}
	})
}

func BenchmarkListWithSelector(b *testing.B) {
	ctx := context.Background()
	fsys := newMockFS()
	for i := 0; i < 200; i++ {
		f, _ := fsys.File(fmt.Sprintf("/file%03d.%s", i, []string{"txt", "json", "jpg"}[i%3]))
		f.SetContents(ctx, []byte("x"))
	}
	sel := Or(Glob("*.json"), Glob("*.jpg"))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := ListWithSelector(ctx, fsys.Root(), sel, false); err != nil {
			b.Fatal(err)
		}
	}
}
