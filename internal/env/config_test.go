package env_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/hermes/internal/env"
	"github.com/luma/hermes/protocol"
)

var _ = Describe("Config", func() {
	vars := []string{
		"HERMES_CODEC", "HERMES_CONTENT_ENCODING", "HERMES_STORE",
		"HERMES_POSTGRES_DSN", "HERMES_STORE_TIMEOUT", "HERMES_LOG_LEVEL",
		"HERMES_MAX_QUEUED",
	}

	BeforeEach(func() {
		for _, name := range vars {
			Expect(os.Unsetenv(name)).To(Succeed())
		}
	})

	AfterEach(func() {
		for _, name := range vars {
			Expect(os.Unsetenv(name)).To(Succeed())
		}
	})

	It("has usable defaults", func() {
		config, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(config.CodecKind()).To(Equal(protocol.CodecText))
		Expect(config.ContentEncoding).To(Equal("utf-8"))
		Expect(config.MaxContentLength).To(Equal(protocol.DefaultMaxContentLength))
		Expect(config.MaxQueued).To(Equal(1024))
		Expect(config.Store).To(Equal(env.StoreMemory))
		Expect(config.StoreTimeout).To(Equal(3 * time.Second))
		Expect(config.LogLevel).To(Equal("info"))
	})

	It("reads the environment", func() {
		os.Setenv("HERMES_CODEC", "legacy")
		os.Setenv("HERMES_CONTENT_ENCODING", "iso-8859-1")
		os.Setenv("HERMES_STORE_TIMEOUT", "250ms")

		config, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())
		Expect(config.CodecKind()).To(Equal(protocol.CodecLegacy))
		Expect(config.ContentEncoding).To(Equal("iso-8859-1"))
		Expect(config.StoreTimeout).To(Equal(250 * time.Millisecond))
	})

	DescribeTable("rejects bad settings",
		func(name, value string) {
			os.Setenv(name, value)

			_, err := env.LoadConfig(context.Background())
			Expect(err).To(MatchError(ContainSubstring(name)))
		},
		Entry("codec", "HERMES_CODEC", "yaml"),
		Entry("encoding", "HERMES_CONTENT_ENCODING", "klingon"),
		Entry("store", "HERMES_STORE", "redis"),
		Entry("postgres without dsn", "HERMES_STORE", "postgres"),
		Entry("outbox bound", "HERMES_MAX_QUEUED", "0"),
	)
})

var _ = Describe("MakeLogger", func() {
	It("accepts zap level names", func() {
		log, err := env.MakeLogger("debug")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(-1)).To(BeTrue())
	})

	It("rejects unknown levels", func() {
		_, err := env.MakeLogger("loud")
		Expect(err).To(HaveOccurred())
	})
})
