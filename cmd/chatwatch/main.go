// Command chatwatch is a terminal client for the messaging server. It keeps a
// live copy of a patient's conversation directory, optionally opens one
// thread and sends a message, and prints every change until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/chatsync"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/client"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/config"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/logging"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/pkg/utils"
)

func main() {
	cfg := config.LoadClientConfig()
	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	server := flag.String("server", cfg.ServerURL, "server base URL")
	token := flag.String("token", cfg.Token, "bearer token; minted from JWT_SECRET when empty")
	patientID := flag.Int64("patient", 0, "patient profile id")
	conversationID := flag.Int64("conversation", 0, "conversation to open")
	send := flag.String("send", "", "message to send to the open conversation")
	readDelay := flag.Duration("read-delay", cfg.ReadReceiptDelay, "delay before visible messages are marked read")
	flag.Parse()

	if *patientID <= 0 {
		logger.Fatal().Msg("-patient is required")
	}
	if *token == "" {
		secret := cfg.JWTSecret
		if secret == "" {
			logger.Fatal().Msg("-token or JWT_SECRET is required")
		}
		minted, err := utils.GenerateToken(strconv.FormatInt(*patientID, 10), models.RolePatient, secret)
		if err != nil {
			logger.Fatal().Err(err).Msg("mint token")
		}
		*token = minted
	}

	live, err := client.NewLive(*server, *token, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open live connection")
	}
	defer live.Close()

	session := chatsync.NewSession(client.New(*server, *token), live, *patientID,
		chatsync.WithLogger(logger),
		chatsync.WithReadDelay(*readDelay),
		chatsync.WithOnChange(printState),
	)
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("initial directory load failed")
	}

	if *conversationID > 0 {
		if err := session.Select(ctx, *conversationID); err != nil {
			logger.Error().Err(err).Int64("conversation_id", *conversationID).Msg("open conversation failed")
		}
		if *send != "" {
			session.SetDraft(*send)
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			message, err := session.Send(sendCtx)
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("send failed")
			} else if message != nil {
				logger.Info().Int64("message_id", message.ID).Msg("message sent")
			}
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func printState(state chatsync.State) {
	fmt.Println("---")
	for _, conversation := range state.Conversations {
		marker := " "
		if conversation.ID == state.ConversationID {
			marker = ">"
		}
		fmt.Printf("%s #%d %s (%s) unread=%d last=%s\n",
			marker,
			conversation.ID,
			conversation.Doctor.Name,
			conversation.Doctor.Specialty,
			conversation.UnreadCount,
			conversation.LastMessageAt.Local().Format(time.Kitchen),
		)
	}
	if state.DirectoryErr != nil {
		fmt.Printf("  directory error: %v\n", state.DirectoryErr)
	}

	if state.ConversationID == 0 {
		return
	}
	fmt.Printf("thread #%d [%s]\n", state.ConversationID, state.Phase)
	for _, message := range state.Messages {
		status := ""
		if message.ReadAt != nil {
			status = " (read)"
		}
		fmt.Printf("  %s %s: %s%s\n",
			message.CreatedAt.Local().Format(time.Kitchen),
			senderName(message.Sender),
			message.Content,
			status,
		)
	}
	if state.ThreadErr != nil {
		fmt.Printf("  thread error: %v\n", state.ThreadErr)
	}
	if state.SendErr != nil {
		fmt.Printf("  send error: %v (draft kept: %q)\n", state.SendErr, state.Draft)
	}
}

func senderName(sender models.MessageSender) string {
	if sender.FullName != nil && *sender.FullName != "" {
		return *sender.FullName
	}
	if sender.IsDoctor {
		return "Doctor"
	}
	return "You"
}
