package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/atlas/internal/common"
)

func main() {
	// Load configuration
	configPath := os.Getenv("ATLAS_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("atlas.toml"); err == nil {
			configPath = "atlas.toml"
		}
	}

	config, err := common.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize minimal logger for MCP server (console only, no file output)
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn") // Minimal logging to avoid cluttering MCP stdio

	// The MCP binary runs beside the server, not inside it: Badger admits
	// one process at a time, so jobs go through the HTTP API.
	baseURL := os.Getenv("ATLAS_URL")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
	}
	client := newAPIClient(baseURL, config.Server.APIKey)

	// Create MCP server
	mcpServer := server.NewMCPServer(
		"atlas",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	// Register job submission tools
	mcpServer.AddTool(createExtractionJobTool(), handleCreateExtraction(client, logger))
	mcpServer.AddTool(createScrapeJobTool(), handleCreateScrape(client, logger))
	mcpServer.AddTool(createCrawlJobTool(), handleCreateCrawl(client, logger))

	// Register job tracking tools
	mcpServer.AddTool(createGetJobStatusTool(), handleGetJobStatus(client, logger))
	mcpServer.AddTool(createListJobsTool(), handleListJobs(client, logger))
	mcpServer.AddTool(createCancelJobTool(), handleCancelJob(client, logger))

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
