package core_test

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pro-assist/stina-server/internal/confirm"
	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/provider"
	"github.com/pro-assist/stina-server/internal/queue"
	"github.com/pro-assist/stina-server/internal/session"
	"github.com/pro-assist/stina-server/internal/storage"
	"github.com/pro-assist/stina-server/internal/tool"
	"github.com/pro-assist/stina-server/pkg/types"
)

// scriptedProvider answers like a model would: it schedules through the
// calendar tool when asked, and echoes otherwise.
type scriptedProvider struct{}

func (scriptedProvider) ID() string   { return "scripted" }
func (scriptedProvider) Name() string { return "Scripted" }

func (scriptedProvider) SendMessage(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
	last := history[len(history)-1].Content

	if strings.Contains(last, "schedule") && opts.ExecuteTool != nil {
		result := opts.ExecuteTool(ctx, provider.ToolCall{
			ID:    "call-1",
			Name:  "calendar_create",
			Input: map[string]any{"title": "Lunch", "preview": "Lunch at noon"},
		})
		if result.IsError {
			onEvent(provider.StreamEvent{Type: provider.EventContentUpdate, Text: "I could not schedule that: " + result.Content})
		} else {
			onEvent(provider.StreamEvent{Type: provider.EventContentUpdate, Text: "Scheduled: " + result.Content})
		}
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	onEvent(provider.StreamEvent{Type: provider.EventContentUpdate, Text: "You said: " + last})
	onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
	return nil
}

var _ = Describe("Conversation flow", func() {
	var (
		repo          *storage.FileRepository
		bus           *event.Bus
		confirmations *confirm.Store
		tools         *tool.Registry
		orch          *session.Orchestrator
		executed      int32
	)

	newOrchestrator := func(userID string) *session.Orchestrator {
		providers := provider.NewRegistry()
		providers.Register(scriptedProvider{})
		return session.NewOrchestrator(context.Background(), userID, session.Deps{
			Repo:          repo,
			Providers:     providers,
			Tools:         tools,
			Bus:           bus,
			Confirmations: confirmations,
			SystemPrompt:  func() string { return "You are Stina, a personal assistant." },
		})
	}

	BeforeEach(func() {
		repo = storage.NewFileRepository(storage.New(GinkgoT().TempDir()))
		bus = event.NewBus()
		DeferCleanup(bus.Close)
		confirmations = confirm.NewStore()
		atomic.StoreInt32(&executed, 0)

		tools = tool.NewRegistry()
		tools.Register(tool.NewConfirmedTool("calendar_create", "create a calendar event", nil,
			&tool.Confirmation{Title: "Create event", HiddenParams: []string{"preview"}},
			func(ctx context.Context, input map[string]any, tctx *tool.Context) (*tool.Result, error) {
				atomic.AddInt32(&executed, 1)
				Expect(input).NotTo(HaveKey("preview"))
				return &tool.Result{Output: "Lunch"}, nil
			}))

		orch = newOrchestrator("alice")
	})

	It("streams a reply and persists the interaction", func() {
		comp := orch.EnqueueMessage("hi there", queue.RoleUser, "", queue.ContextNone)

		var res session.JobResult
		Eventually(comp.Done(), 5*time.Second).Should(Receive(&res))
		Expect(res.Err).NotTo(HaveOccurred())

		conv, err := repo.GetLatestActiveConversation(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())

		inters, err := repo.GetConversationInteractions(context.Background(), conv.ID, 50, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(inters).To(HaveLen(1))

		texts := messageTexts(inters[0])
		Expect(texts).To(ContainElement("hi there"))
		Expect(texts).To(ContainElement("You said: hi there"))
	})

	It("carries earlier turns into later ones", func() {
		Eventually(orch.EnqueueMessage("my name is Alice", queue.RoleUser, "", queue.ContextNone).Done(), 5*time.Second).Should(Receive())
		comp := orch.EnqueueMessage("what did I say?", queue.RoleUser, "", queue.ContextNone)

		var res session.JobResult
		Eventually(comp.Done(), 5*time.Second).Should(Receive(&res))
		Expect(res.Err).NotTo(HaveOccurred())

		_, total := orch.Interactions()
		Expect(total).To(Equal(2))
	})

	It("executes the calendar tool only after approval", func() {
		comp := orch.EnqueueMessage("please schedule lunch", queue.RoleUser, "", queue.ContextNone)

		Eventually(confirmations.Len, 5*time.Second).Should(Equal(1))
		Expect(atomic.LoadInt32(&executed)).To(BeZero())

		Expect(orch.ResolveToolConfirmation("calendar_create", confirm.Response{Approved: true})).To(BeTrue())

		var res session.JobResult
		Eventually(comp.Done(), 5*time.Second).Should(Receive(&res))
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&executed)).To(Equal(int32(1)))
	})

	It("skips execution when the user denies", func() {
		comp := orch.EnqueueMessage("please schedule lunch", queue.RoleUser, "", queue.ContextNone)

		Eventually(confirmations.Len, 5*time.Second).Should(Equal(1))
		Expect(orch.ResolveToolConfirmation("calendar_create", confirm.Response{Approved: false, DenialReason: "wrong day"})).To(BeTrue())

		var res session.JobResult
		Eventually(comp.Done(), 5*time.Second).Should(Receive(&res))
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&executed)).To(BeZero())

		conv, err := repo.GetLatestActiveConversation(context.Background(), "alice")
		Expect(err).NotTo(HaveOccurred())
		inters, err := repo.GetConversationInteractions(context.Background(), conv.ID, 50, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(messageTexts(inters[0])).To(ContainElement(ContainSubstring("wrong day")))
	})

	It("discards the stream and denies confirmations on abort", func() {
		comp := orch.EnqueueMessage("please schedule lunch", queue.RoleUser, "", queue.ContextNone)

		Eventually(confirmations.Len, 5*time.Second).Should(Equal(1))
		orch.Abort(false)

		var res session.JobResult
		Eventually(comp.Done(), 5*time.Second).Should(Receive(&res))
		Expect(res.Removed).To(BeTrue())
		Expect(atomic.LoadInt32(&executed)).To(BeZero())
		Expect(confirmations.Len()).To(BeZero())

		_, err := repo.GetLatestActiveConversation(context.Background(), "alice")
		if err == nil {
			inters, ierr := repo.GetConversationInteractions(context.Background(), orch.ConversationID(), 50, 0)
			Expect(ierr).NotTo(HaveOccurred())
			Expect(inters).To(BeEmpty())
		}
	})

	It("resumes the latest conversation after a restart", func() {
		Eventually(orch.EnqueueMessage("remember me", queue.RoleUser, "", queue.ContextNone).Done(), 5*time.Second).Should(Receive())

		fresh := newOrchestrator("alice")
		Expect(fresh.LoadLatestActive(context.Background())).To(Succeed())

		inters, total := fresh.Interactions()
		Expect(total).To(Equal(1))
		Expect(inters).To(HaveLen(1))
		Expect(messageTexts(inters[0])).To(ContainElement("remember me"))
	})
})

func messageTexts(inter *types.Interaction) []string {
	texts := make([]string, 0, len(inter.Messages))
	for _, m := range inter.Messages {
		texts = append(texts, m.Text)
	}
	return texts
}
