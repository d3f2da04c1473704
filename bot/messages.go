package bot

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/vcfbot/access"
	"github.com/hazyhaar/vcfbot/observability"
	"github.com/hazyhaar/vcfbot/session"
	"github.com/hazyhaar/vcfbot/vcard"
)

// Replies are in Indonesian, the language of the bot's users.
const (
	msgAccessDenied = "❌ Akses ditolak."
	msgNoAccess     = "❌ Maaf %s, Anda belum memiliki akses ke bot ini.\nSilakan hubungi admin untuk mendapatkan akses."
	msgOwnerOnly    = "❌ Fitur ini hanya untuk owner."
	msgUnavailable  = "🚧 Fitur ini belum tersedia."
	msgUnknown      = "❓ Perintah tidak dikenal.\nKetik /menu untuk melihat daftar perintah."
	msgInternal     = "❌ Terjadi kesalahan. Silakan coba lagi atau ketik /fixbug."

	msgStart = "👋 Halo %s!\nSelamat datang di bot pengelola kontak VCF.\n\nKetik /menu untuk melihat semua fitur atau /help untuk panduan format file."

	msgMenu = `📋 Menu Utama

🔄 Konversi
/cv_txt_to_vcf - TXT ke VCF (format Nama|Nomor)
/txt2vcf - TXT ke VCF dengan deteksi separator otomatis
/cv_vcf_to_txt - VCF ke TXT
/cv_xlsx_to_vcf - Excel/CSV ke VCF

📇 Kelola Kontak
/hitungctc - Hitung kontak dalam file VCF
/addctc - Tambah kontak ke file VCF
/delctc - Hapus kontak dari file VCF
/renamectc - Ubah nama kontak

📂 Kelola File
/gabungvcf - Gabungkan beberapa file VCF
/gabungtxt - Gabungkan beberapa file TXT
/pecahfile - Pecah VCF menjadi beberapa bagian
/pecahctc - Pecah VCF per jumlah kontak
/renamefile - Ubah nama file
/totxt - Simpan pesan sebagai file TXT

🛠 Lainnya
/stats - Statistik penggunaan
/laporkanbug - Laporkan bug
/batal - Batalkan operasi
/fixbug - Reset sesi dan file sementara`

	msgMenuOwner = `

👑 Owner
/adduser - Tambah pengguna
/deluser - Hapus pengguna
/totaluser - Daftar pengguna`

	msgHelp = `ℹ️ Panduan Format

TXT untuk /cv_txt_to_vcf, satu kontak per baris:
Budi|08123456789

TXT untuk /txt2vcf boleh memakai separator lain (| , : ; tab - spasi). Nomor diubah ke awalan 62.

Excel/CSV untuk /cv_xlsx_to_vcf: kolom nama dan nomor dikenali dari judul kolom (nama/name, nomor/phone/hp/telp), selain itu dua kolom pertama dipakai.

Untuk /renamectc awali nama lama dengan "=" agar hanya nama yang sama persis yang diubah, contoh: =Budi|Budi Santoso`

	msgIdleFile       = "📎 File diterima!\nGunakan command terlebih dahulu sebelum mengirim file.\nKetik /menu untuk melihat daftar command."
	msgIdleText       = "💬 Pesan diterima!\nGunakan /totxt untuk menyimpan pesan sebagai file.\nAtau ketik /menu untuk melihat daftar command."
	msgWaitingFile    = "📎 Silakan kirim file terlebih dahulu, atau ketik /batal untuk membatalkan."
	msgWaitingText    = "✏️ Silakan kirim teks yang diminta, atau ketik /batal untuk membatalkan."
	msgCollectingText = "📎 Kirim file lain atau ketik /selesai untuk memproses."
	msgNoOperation    = "❌ Tidak ada operasi yang sedang berlangsung."

	msgCancelled = "❌ Operasi dibatalkan."
	msgReset     = "🔧🔄 Reset Berhasil!\nSesi dan file sementara telah dibersihkan.\nSilakan mulai lagi dengan /menu."

	msgDownloadFailed = "❌ File tidak dapat diproses: %s"
	msgTooLarge       = "❌ File terlalu besar. Maksimal %d MB."
	msgReadFailed     = "❌ Gagal membaca file. Silakan kirim ulang."
	msgWrongFormat    = "❌ File harus berformat %s."
	msgNoContacts     = "❌ File VCF tidak berisi kontak."
	msgCollected      = "✅ File %s ditambahkan (%d file). Kirim file lain atau /selesai"
	msgCollectFull    = "❌ Batas maksimal %d file tercapai. Ketik /selesai untuk memproses."
	msgNothingToMerge = "❌ Tidak ada file %s untuk digabung."

	msgAddFormat     = "❌ Format salah. Gunakan: Nama|Nomor"
	msgRenameFormat  = "❌ Format salah. Gunakan: NamaLama|NamaBaru"
	msgRenameMissing = "❌ Kontak dengan nama '%s' tidak ditemukan."
	msgNotANumber    = "❌ Kirim angka yang valid."
	msgBadIndex      = "❌ Nomor urut tidak valid. Pilih antara 1-%d"
	msgDeleteLast    = "❌ Tidak dapat menghapus semua kontak. File akan kosong."
	msgPartsMin      = "❌ Jumlah bagian harus minimal 2."
	msgPartsTooMany  = "❌ File hanya memiliki %d kontak, tidak dapat dipecah menjadi %d bagian."
	msgSizeMin       = "❌ Jumlah kontak per file harus minimal 1."
	msgBadFileName   = "❌ Nama file tidak valid. Gunakan huruf, angka, '_', '-' atau '.' tanpa spasi."
	msgEmptyText     = "❌ Pesan kosong. Kirim teks yang ingin disimpan."
	msgNoValidLines  = "❌ Tidak ada kontak valid yang ditemukan. Pastikan format: Nama|Nomor"
	msgUndetectable  = "❌ Format tidak dapat dideteksi.\nPastikan setiap baris berisi nama dan nomor yang dipisah oleh | , : ; tab, - atau spasi."
	msgNoPairs       = "❌ Tidak ada kontak dengan nama dan nomor di file ini."
	msgTooFewColumns = "❌ File harus memiliki minimal 2 kolom (nama dan nomor)."
	msgAllEmpty      = "❌ Semua file kosong."
	msgNoMergeResult = "❌ Tidak ada kontak yang ditemukan di file-file tersebut."

	msgFeedbackOff = "❌ Fitur laporan bug tidak tersedia."
	msgBugEmpty    = "❌ Laporan kosong. Jelaskan bug yang Anda temukan."
	msgBugReceived = "🐞 Bug Report Diterima!\n🆔 ID: %s\nTerima kasih, laporan Anda akan segera ditinjau."
	msgBugForward  = "🐞 Bug report baru\n👤 %s\n🆔 User ID: %s\n\n%s"

	msgUserIDInvalid   = "❌ User ID tidak valid. Kirim User ID numerik."
	msgUserIDHandle    = "❌ Username tidak didukung. Kirim User ID numerik."
	msgUserAdded       = "✅ Pengguna berhasil ditambahkan!\n🆔 User ID: %s"
	msgUserExists      = "ℹ️ Pengguna %s sudah memiliki akses."
	msgUserRemoved     = "✅ Akses pengguna berhasil dihapus!\n🆔 User ID: %s"
	msgUserMissing     = "❌ Pengguna %s tidak ditemukan dalam daftar akses."
	msgOwnerImmutable  = "❌ Tidak dapat menghapus akses owner!"
	msgWelcomeNewUser  = "🎉 Selamat! Anda telah diberikan akses ke bot ini.\nKetik /start untuk memulai."
	msgStatsEmpty      = "📊 Belum ada operasi yang tercatat."
	msgPreviewMore     = "... dan %d kontak lainnya"
	msgDeletePrompt    = "Kirim nomor urut kontak yang ingin dihapus (1, 2, 3, dst)"
	msgMaintenanceIcon = "🔧 "
)

// prompts answer a command that waits for input.
var prompts = map[session.Op]string{
	session.OpTxtToVCF:     "📄 Upload file .txt yang berisi kontak.\nFormat: Nama|Nomor (satu kontak per baris)",
	session.OpTxtToVCFAuto: "📄 Upload file .txt yang berisi kontak.\nSeparator akan dideteksi otomatis dan nomor diubah ke awalan 62.",
	session.OpVCFToTxt:     "📇 Upload file .vcf yang ingin dikonversi ke TXT.",
	session.OpXLSXToVCF:    "📊 Upload file Excel (.xlsx) atau CSV yang berisi kolom nama dan nomor.",
	session.OpCount:        "🔢 Upload file .vcf yang ingin dihitung kontaknya.",
	session.OpAddContact:   "📇 Upload file .vcf yang ingin ditambah kontaknya.",
	session.OpDelContact:   "📇 Upload file .vcf yang ingin dihapus kontaknya.",
	session.OpRename:       "✏️ Upload file .vcf yang ingin diubah nama kontaknya.",
	session.OpSplitParts:   "📂 Upload file .vcf yang ingin dipecah.",
	session.OpSplitSize:    "📂 Upload file .vcf yang ingin dipecah per jumlah kontak.",
	session.OpRenameFile:   "✏️ Upload file yang ingin diubah namanya.",
	session.OpMergeVCF:     "📂 Kirim file .vcf yang ingin digabung (maksimal %d file).\nKetik /selesai jika sudah.",
	session.OpMergeTxt:     "📂 Kirim file .txt yang ingin digabung (maksimal %d file).\nKetik /selesai jika sudah.",
	session.OpToTxt:        "📝 Kirim pesan yang ingin disimpan sebagai file .txt.",
	session.OpBugReport:    "🐞 Jelaskan bug yang Anda temukan.",
	session.OpAddUser:      "👤 Kirim User ID yang ingin diberi akses.",
	session.OpDelUser:      "👤 Kirim User ID yang ingin dihapus aksesnya.",
}

// paramPrompts answer a file accepted by an operation that needs a
// parameter next. The renamefile prompt takes the uploaded file name.
var paramPrompts = map[session.Op]string{
	session.OpAddContact: "📇 File VCF diterima. Sekarang kirim data kontak baru dengan format: Nama|Nomor",
	session.OpRename:     "✏️ File VCF diterima. Kirim nama baru untuk kontak (format: NamaLama|NamaBaru)",
	session.OpSplitParts: "📂 File VCF diterima. Kirim jumlah bagian yang diinginkan (angka):",
	session.OpSplitSize:  "📇 File VCF diterima. Kirim jumlah kontak per file yang diinginkan:",
	session.OpRenameFile: "✏️ File '%s' diterima. Kirim nama baru untuk file (tanpa ekstensi):",
}

func prompt(op session.Op, maxFiles int) string {
	p := prompts[op]
	if op.Input() == session.InputMultiFile {
		return fmt.Sprintf(p, maxFiles)
	}
	return p
}

func displayName(name, username, id string) string {
	switch {
	case name != "":
		return name
	case username != "":
		return "@" + username
	default:
		return id
	}
}

func renderMenu(owner bool) string {
	if owner {
		return msgMenu + msgMenuOwner
	}
	return msgMenu
}

// renderPreview lists the first limit contacts of seq, numbered from 1.
func renderPreview(seq vcard.Sequence, limit int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📇 Daftar Kontak (%d total):\n\n", len(seq))
	for i, p := range seq.Pairs() {
		if i == limit {
			fmt.Fprintf(&sb, msgPreviewMore+"\n", len(seq)-limit)
			break
		}
		fmt.Fprintf(&sb, "%d. %s - %s\n", i+1, p.Name, p.Phone)
	}
	sb.WriteByte('\n')
	sb.WriteString(msgDeletePrompt)
	return sb.String()
}

func renderCount(st vcard.Stats, size int64) string {
	return fmt.Sprintf("🔢📇 Hasil Perhitungan Kontak VCF\n\n📊 Total Kontak: %d\n📞 Kontak dengan Nomor: %d\n👤 Kontak dengan Nama: %d\n📄 Ukuran File: %d bytes",
		st.Total, st.WithPhone, st.WithName, size)
}

func renderStats(counts []observability.OperationCount, users int) string {
	var sb strings.Builder
	if len(counts) == 0 {
		sb.WriteString(msgStatsEmpty)
	} else {
		sb.WriteString("📊 Statistik Penggunaan Anda\n")
		for _, c := range counts {
			fmt.Fprintf(&sb, "\n• /%s: %d kali", c.Operation, c.Total)
			if c.Failed > 0 {
				fmt.Fprintf(&sb, ", %d gagal", c.Failed)
			}
			if c.Records > 0 {
				fmt.Fprintf(&sb, ", %d kontak", c.Records)
			}
		}
	}
	if users > 0 {
		fmt.Fprintf(&sb, "\n\n👥 Total Pengguna: %d", users)
	}
	return sb.String()
}

func renderUsers(owner string, users []access.User) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "👀 Total Pengguna: %d\n\n", len(users)+1)
	fmt.Fprintf(&sb, "• %s (owner)", owner)
	for _, u := range users {
		name := u.Username
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(&sb, "\n• %s (%s)", u.UserID, name)
	}
	return sb.String()
}
