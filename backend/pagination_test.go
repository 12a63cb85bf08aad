package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/c2FmZQ/storage"
)

func TestPaginationAndSorting(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "pagination_sort_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	s := storage.New(tempDir, nil)
	gStore := NewGameStore(tempDir, s)
	tStore := NewTeamStore(tempDir, s)
	lStore := NewLeagueStore(tempDir, s)
	us := NewUserIndexStore(tempDir, s, nil)
	reg := NewRegistry(gStore, tStore, lStore, us, true)

	_, handler := NewServerHandler(Options{
		GameStore:   gStore,
		TeamStore:   tStore,
		LeagueStore: lStore,
		Storage:     s,
		Registry:    reg,
		UseMockAuth: true,
	})

	userId := "user@example.com"

	// Setup Games
	// Game A: Date 2025-11-01, Event "Season Opener", Location "Riverside Gym"
	// Game B: Date 2025-11-02, Event "Semifinal", Location "Eastside Fieldhouse"
	// Game C: Date 2025-11-03, Event "Championship", Location "Riverside Gym"
	gamesData := []struct {
		ID       string
		Date     string
		Event    string
		Location string
	}{
		{"11111111-0000-0000-0000-000000000001", "2025-11-01", "Season Opener", "Riverside Gym"},
		{"11111111-0000-0000-0000-000000000002", "2025-11-02", "Semifinal", "Eastside Fieldhouse"},
		{"11111111-0000-0000-0000-000000000003", "2025-11-03", "Championship", "Riverside Gym"},
	}

	for _, d := range gamesData {
		game := Game{
			ID:            d.ID,
			SchemaVersion: CurrentSchemaVersion,
			OwnerID:       userId,
			Date:          d.Date,
			Event:         d.Event,
			Location:      d.Location,
		}
		gStore.SaveGame(&game)
		reg.UpdateGame(game)
	}

	// Setup Teams
	teamsData := []struct {
		ID   string
		Name string
	}{
		{"22222222-0000-0000-0000-000000000001", "Wolves"},
		{"22222222-0000-0000-0000-000000000002", "Hawks"},
		{"22222222-0000-0000-0000-000000000003", "Comets"},
	}

	for _, d := range teamsData {
		team := Team{
			ID:            d.ID,
			SchemaVersion: CurrentSchemaVersion,
			OwnerID:       userId,
			Name:          d.Name,
		}
		tStore.SaveTeam(&team)
		reg.UpdateTeam(team)
	}

	makeRequest := func(url string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", url, nil)
		req.AddCookie(&http.Cookie{Name: "mock_auth_user", Value: userId})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	// --- Pagination Tests ---
	t.Run("Pagination", func(t *testing.T) {
		w := makeRequest("/api/games?limit=2&offset=0")
		var resp struct {
			Data []GameSummary `json:"data"`
			Meta struct {
				Total int `json:"total"`
			} `json:"meta"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Meta.Total != 3 {
			t.Errorf("Expected total 3, got %d", resp.Meta.Total)
		}
		if len(resp.Data) != 2 {
			t.Errorf("Expected 2 items, got %d", len(resp.Data))
		}
	})

	// --- Sorting Games Tests ---
	t.Run("SortGames_Date_Desc", func(t *testing.T) {
		// Default is Date Desc
		w := makeRequest("/api/games")
		var resp struct {
			Data []GameSummary `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Data[0].Event != "Championship" { // 2025-11-03
			t.Errorf("Expected Championship first (latest date), got %s", resp.Data[0].Event)
		}
	})

	t.Run("SortGames_Date_Asc", func(t *testing.T) {
		w := makeRequest("/api/games?sortBy=date&order=asc")
		var resp struct {
			Data []GameSummary `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Data[0].Event != "Season Opener" { // 2025-11-01
			t.Errorf("Expected Season Opener first (earliest date), got %s", resp.Data[0].Event)
		}
	})

	t.Run("SortGames_Event", func(t *testing.T) {
		w := makeRequest("/api/games?sortBy=event&order=asc")
		var resp struct {
			Data []GameSummary `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		// Championship, Season Opener, Semifinal
		if resp.Data[0].Event != "Championship" {
			t.Errorf("Expected Championship first, got %s", resp.Data[0].Event)
		}
		if resp.Data[2].Event != "Semifinal" {
			t.Errorf("Expected Semifinal last, got %s", resp.Data[2].Event)
		}
	})

	// --- Sorting Teams Tests ---
	t.Run("SortTeams_Name_Asc", func(t *testing.T) {
		// Default is Name Asc
		w := makeRequest("/api/teams")
		var resp struct {
			Data []Team `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		// Comets, Hawks, Wolves
		if resp.Data[0].Name != "Comets" {
			t.Errorf("Expected Comets first, got %s", resp.Data[0].Name)
		}
		if resp.Data[2].Name != "Wolves" {
			t.Errorf("Expected Wolves last, got %s", resp.Data[2].Name)
		}
	})

	t.Run("SortTeams_Name_Desc", func(t *testing.T) {
		w := makeRequest("/api/teams?sortBy=name&order=desc")
		var resp struct {
			Data []Team `json:"data"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		// Wolves, Hawks, Comets
		if resp.Data[0].Name != "Wolves" {
			t.Errorf("Expected Wolves first, got %s", resp.Data[0].Name)
		}
	})

	// --- Filtering Tests ---
	t.Run("FilterGames", func(t *testing.T) {
		w := makeRequest("/api/games?q=%22Riverside+Gym%22")
		var resp struct {
			Data []GameSummary `json:"data"`
			Meta struct {
				Total int `json:"total"`
			} `json:"meta"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		// Should match Riverside Gym (2 games)
		if resp.Meta.Total != 2 {
			t.Errorf("Expected 2 games filtering by 'Riverside Gym', got %d", resp.Meta.Total)
		}
	})

	t.Run("FilterTeams", func(t *testing.T) {
		w := makeRequest("/api/teams?q=Hawks")
		var resp struct {
			Data []Team `json:"data"`
			Meta struct {
				Total int `json:"total"`
			} `json:"meta"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		// Should match Hawks
		if resp.Meta.Total != 1 {
			t.Errorf("Expected 1 team filtering by 'Hawks', got %d", resp.Meta.Total)
		}
		if len(resp.Data) > 0 && resp.Data[0].Name != "Hawks" {
			t.Errorf("Expected Hawks, got %s", resp.Data[0].Name)
		}
	})
}
