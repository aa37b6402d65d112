package session

import (
	"sync"

	"github.com/kjstillabower/clima-service/internal/models"
)

const (
	maxFavorites = 10
	maxRecents   = 5
)

// Places holds a session's favourite and recently selected locations, newest first.
// Two locations are the same place when their lat and lon are equal.
type Places struct {
	mu        sync.Mutex
	favorites []models.Location
	recents   []models.Location
}

// AddFavorite prepends loc unless it is already a favourite, dropping the oldest past the
// cap. Reports whether loc was added.
func (p *Places) AddFavorite(loc models.Location) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if indexOf(p.favorites, loc) >= 0 {
		return false
	}
	p.favorites = prepend(p.favorites, loc, maxFavorites)
	return true
}

// RemoveFavorite reports whether loc was a favourite.
func (p *Places) RemoveFavorite(loc models.Location) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := indexOf(p.favorites, loc)
	if i < 0 {
		return false
	}
	p.favorites = append(p.favorites[:i:i], p.favorites[i+1:]...)
	return true
}

func (p *Places) Favorites() []models.Location {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Location{}, p.favorites...)
}

// AddRecent moves loc to the front of the recent list.
func (p *Places) AddRecent(loc models.Location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := indexOf(p.recents, loc); i >= 0 {
		p.recents = append(p.recents[:i:i], p.recents[i+1:]...)
	}
	p.recents = prepend(p.recents, loc, maxRecents)
}

func (p *Places) Recents() []models.Location {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Location{}, p.recents...)
}

func indexOf(list []models.Location, loc models.Location) int {
	for i, l := range list {
		if l.Lat == loc.Lat && l.Lon == loc.Lon {
			return i
		}
	}
	return -1
}

func prepend(list []models.Location, loc models.Location, max int) []models.Location {
	out := make([]models.Location, 0, len(list)+1)
	out = append(out, loc)
	out = append(out, list...)
	if len(out) > max {
		out = out[:max]
	}
	return out
}
